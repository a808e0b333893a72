package claude

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// webSearchSystemInstruction pins the upstream call to search-only
// behavior; the model must not answer from its own knowledge.
const webSearchSystemInstruction = "You are a web search assistant. Use the search tool to find current information for the user's query and summarize the results concisely. Do not answer from memory."

// queryChunkSize is the input_json_delta chunk width used when replaying
// the search query, simulating incremental typing.
const queryChunkSize = 6

// webSearchResult is one mapped grounding chunk.
type webSearchResult struct {
	Type             string  `json:"type"`
	Title            string  `json:"title"`
	URL              string  `json:"url"`
	EncryptedContent string  `json:"encrypted_content"`
	PageAge          *string `json:"page_age"`
}

// BuildWebSearchRequest builds the minimal single-turn envelope for the
// grounded search call: the latest user text as the sole content, a
// googleSearch tool, and candidateCount 1. It returns the envelope and the
// extracted query.
func BuildWebSearchRequest(meta Envelope, rawJSON []byte) ([]byte, string, error) {
	query := latestUserText(gjson.ParseBytes(rawJSON))
	if query == "" {
		return nil, "", fmt.Errorf("web search request: no user text to search for")
	}

	envelope := map[string]any{
		"project":     meta.Project,
		"requestId":   uuid.NewString(),
		"model":       meta.TargetModel,
		"userAgent":   meta.UserAgent,
		"requestType": meta.RequestType,
		"request": map[string]any{
			"sessionId": sessionID,
			"systemInstruction": map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": webSearchSystemInstruction}},
			},
			"contents": []map[string]any{
				{"role": "user", "parts": []map[string]any{{"text": query}}},
			},
			"tools":            []map[string]any{{"googleSearch": map[string]any{}}},
			"generationConfig": map[string]any{"candidateCount": 1},
		},
	}

	out, errMarshal := json.Marshal(envelope)
	if errMarshal != nil {
		return nil, "", fmt.Errorf("web search request: marshal envelope: %w", errMarshal)
	}
	return out, query, nil
}

// latestUserText returns the text of the last user turn, flattening
// content-array messages.
func latestUserText(root gjson.Result) string {
	messages := root.Get("messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("role").String() != "user" {
			continue
		}
		if text, ok := blockContentText(messages[i].Get("content")).(string); ok && text != "" {
			return text
		}
	}
	return ""
}

// WebSearchAggregator drains an upstream search reply, chunk by chunk, then
// renders the whole result at once. True incremental delivery is not
// possible here: search results are only known at completion.
type WebSearchAggregator struct {
	textParts    []string
	chunks       []gjson.Result
	supports     []gjson.Result
	query        string
	responseID   string
	usageRaw     string
	finishReason string
}

// Collect consumes one upstream chunk, streaming or whole-body.
func (a *WebSearchAggregator) Collect(rawJSON []byte) {
	if !gjson.ValidBytes(rawJSON) {
		return
	}
	resp := unwrapResponse(rawJSON)
	candidate := resp.Get("candidates.0")

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			a.textParts = append(a.textParts, text.String())
		}
		return true
	})

	if grounding := candidate.Get("groundingMetadata"); grounding.Exists() {
		if chunks := grounding.Get("groundingChunks"); chunks.IsArray() {
			a.chunks = chunks.Array()
		}
		if supports := grounding.Get("groundingSupports"); supports.IsArray() {
			a.supports = supports.Array()
		}
		if q := grounding.Get("webSearchQueries.0").String(); q != "" {
			a.query = q
		}
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		a.usageRaw = usage.Raw
	}
	if id := resp.Get("responseId").String(); id != "" {
		a.responseID = id
	}
	if finish := candidate.Get("finishReason"); finish.Exists() {
		a.finishReason = finish.String()
	}
}

// Render produces the complete SSE event sequence for the drained reply:
// message_start, server_tool_use with the query typed out in small
// input_json_delta chunks, web_search_tool_result, one text block carrying
// citations then the summary text, and the terminal pair.
func (a *WebSearchAggregator) Render(requestedModel, fallbackQuery string) string {
	query := a.query
	if query == "" {
		query = fallbackQuery
	}
	results := groundingChunksToResults(a.chunks)
	toolUseID := newServerToolUseID()

	output := ""
	index := 0

	messageStart := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	id := a.responseID
	if id == "" {
		id = newMessageID()
	}
	messageStart, _ = sjson.Set(messageStart, "message.id", id)
	messageStart, _ = sjson.Set(messageStart, "message.model", requestedModel)
	output += sseEvent("message_start", messageStart)

	// server_tool_use
	start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"server_tool_use","id":"","name":"web_search","input":{}}}`, index)
	start, _ = sjson.Set(start, "content_block.id", toolUseID)
	output += sseEvent("content_block_start", start)
	queryJSON, _ := sjson.Set(`{"query":""}`, "query", query)
	for _, chunk := range chunkString(queryJSON, queryChunkSize) {
		delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, index), "delta.partial_json", chunk)
		output += sseEvent("content_block_delta", delta)
	}
	output += sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index))
	index++

	// web_search_tool_result
	resultBlock := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"web_search_tool_result","tool_use_id":"","content":[]}}`, index)
	resultBlock, _ = sjson.Set(resultBlock, "content_block.tool_use_id", toolUseID)
	resultBlock, _ = sjson.SetRaw(resultBlock, "content_block.content", webSearchResultsJSON(results))
	output += sseEvent("content_block_start", resultBlock)
	output += sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index))
	index++

	// summary text block: citations first, then the drained text
	output += sseEvent("content_block_start",
		fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, index))
	for _, support := range a.supports {
		citation, ok := citationFromSupport(results, support)
		if !ok {
			continue
		}
		delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"citations_delta","citation":null}}`, index)
		delta, _ = sjson.SetRaw(delta, "delta.citation", citation)
		output += sseEvent("content_block_delta", delta)
	}
	for _, text := range a.textParts {
		delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, index), "delta.text", text)
		output += sseEvent("content_block_delta", delta)
	}
	output += sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index))

	usage := gjson.Parse(a.usageRaw)
	promptTokens := usage.Get("promptTokenCount").Int()
	outputTokens := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	delta := fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":%d,"output_tokens":%d}}`, promptTokens, outputTokens)
	output += sseEvent("message_delta", delta)
	output += sseEvent("message_stop", `{"type":"message_stop"}`)

	return output
}

// RenderNonStream produces a single assistant message whose content blocks
// mirror the streaming rendering.
func (a *WebSearchAggregator) RenderNonStream(requestedModel, fallbackQuery string) string {
	query := a.query
	if query == "" {
		query = fallbackQuery
	}
	results := groundingChunksToResults(a.chunks)
	toolUseID := newServerToolUseID()

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	id := a.responseID
	if id == "" {
		id = newMessageID()
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", requestedModel)

	serverTool := `{"type":"server_tool_use","id":"","name":"web_search","input":{}}`
	serverTool, _ = sjson.Set(serverTool, "id", toolUseID)
	serverTool, _ = sjson.Set(serverTool, "input.query", query)
	out, _ = sjson.SetRaw(out, "content.-1", serverTool)

	toolResult := `{"type":"web_search_tool_result","tool_use_id":"","content":[]}`
	toolResult, _ = sjson.Set(toolResult, "tool_use_id", toolUseID)
	toolResult, _ = sjson.SetRaw(toolResult, "content", webSearchResultsJSON(results))
	out, _ = sjson.SetRaw(out, "content.-1", toolResult)

	textBlock := `{"type":"text","text":""}`
	var citations string
	for _, support := range a.supports {
		citation, ok := citationFromSupport(results, support)
		if !ok {
			continue
		}
		if citations == "" {
			citations = "[]"
		}
		citations, _ = sjson.SetRaw(citations, "-1", citation)
	}
	if citations != "" {
		textBlock, _ = sjson.SetRaw(textBlock, "citations", citations)
	}
	var text string
	for _, part := range a.textParts {
		text += part
	}
	textBlock, _ = sjson.Set(textBlock, "text", text)
	out, _ = sjson.SetRaw(out, "content.-1", textBlock)

	usage := gjson.Parse(a.usageRaw)
	out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("promptTokenCount").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("candidatesTokenCount").Int()+usage.Get("thoughtsTokenCount").Int())

	return out
}

// groundingChunksToResults maps grounding chunks to web search results.
func groundingChunksToResults(chunks []gjson.Result) []webSearchResult {
	var results []webSearchResult
	for i, chunk := range chunks {
		web := chunk.Get("web")
		if !web.Exists() {
			continue
		}
		uri := web.Get("uri").String()
		title := web.Get("title").String()
		if title == "" {
			title = web.Get("domain").String()
		}
		if uri == "" && title == "" {
			continue
		}
		results = append(results, webSearchResult{
			Type:             "web_search_result",
			Title:            title,
			URL:              uri,
			EncryptedContent: encryptedContent(uri, i),
			PageAge:          nil,
		})
	}
	return results
}

func webSearchResultsJSON(results []webSearchResult) string {
	if len(results) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(results)
	return string(data)
}

// encryptedContent builds the opaque echo token attached to each search
// result. It is never decoded, only round-tripped.
func encryptedContent(uri string, index int) string {
	payload := fmt.Sprintf("%s|%d|%d", uri, index, time.Now().UnixNano())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

// citationFromSupport maps one grounding support span onto its result.
func citationFromSupport(results []webSearchResult, support gjson.Result) (string, bool) {
	citedText := support.Get("segment.text").String()
	if citedText == "" {
		return "", false
	}
	indices := support.Get("groundingChunkIndices").Array()
	if len(indices) == 0 {
		return "", false
	}
	idx := int(indices[0].Int())
	if idx < 0 || idx >= len(results) {
		return "", false
	}

	result := results[idx]
	citation := `{"type":"web_search_result_location","cited_text":"","url":"","title":"","encrypted_index":""}`
	citation, _ = sjson.Set(citation, "cited_text", citedText)
	citation, _ = sjson.Set(citation, "url", result.URL)
	citation, _ = sjson.Set(citation, "title", result.Title)
	citation, _ = sjson.Set(citation, "encrypted_index", encryptedContent(result.URL, idx))
	return citation, true
}

// chunkString splits s into size-rune pieces; the last piece may be short.
func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
