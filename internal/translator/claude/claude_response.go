package claude

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Block type states tracked while streaming.
const (
	blockNone = iota
	blockText
	blockThinking
	blockToolUse
)

// Params maintains the streaming state machine across chunks of one
// response. Block indices only ever increase; every opened block is closed
// before the terminal message_delta/message_stop pair.
type Params struct {
	MessageStartSent bool
	BlockType        int
	BlockIndex       int
	SignatureSent    bool
	HasToolUse       bool
	HasContent       bool

	HasFinishReason bool
	FinishReason    string
	FinalSent       bool

	PromptTokens     int64
	CompletionTokens int64
	ThoughtTokens    int64
	TotalTokens      int64
	CachedTokens     int64

	RequestedModel string

	WebSearchEmitted bool
}

// unwrapResponse returns the payload under a {response:{...}} wrapper, or
// the payload itself when it is bare.
func unwrapResponse(rawJSON []byte) gjson.Result {
	root := gjson.ParseBytes(rawJSON)
	if resp := root.Get("response"); resp.Exists() {
		return resp
	}
	return root
}

func sseEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

// ConvertGeminiResponseToClaude reshapes one upstream chunk into zero or
// more Claude SSE events. Pass the sentinel [DONE] after the upstream body
// is drained so the machine can close any open block and emit the terminal
// pair even when the upstream ended without a finishReason.
func ConvertGeminiResponseToClaude(_ context.Context, requestedModel string, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &Params{RequestedModel: requestedModel}
	}
	params := (*param).(*Params)

	if bytes.Equal(rawJSON, []byte("[DONE]")) {
		output := ""
		if params.MessageStartSent && !params.FinalSent {
			appendTerminalEvents(params, &output)
		}
		if output == "" {
			return nil
		}
		return []string{output}
	}

	if !gjson.ValidBytes(rawJSON) {
		log.Warnf("claude response: skipping malformed upstream chunk")
		return nil
	}

	resp := unwrapResponse(rawJSON)
	candidate := resp.Get("candidates.0")
	output := ""

	if !params.MessageStartSent && candidate.Exists() {
		messageStart := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		id := resp.Get("responseId").String()
		if id == "" {
			id = newMessageID()
		}
		messageStart, _ = sjson.Set(messageStart, "message.id", id)
		messageStart, _ = sjson.Set(messageStart, "message.model", params.RequestedModel)
		output += sseEvent("message_start", messageStart)
		params.MessageStartSent = true
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		textResult := part.Get("text")
		functionCall := part.Get("functionCall")

		switch {
		case part.Get("thought").Bool():
			processThinking(params, &output, part, textResult)
		case textResult.Exists():
			// A signature riding on a regular text part still closes the
			// thinking phase; the text itself stays a text block.
			if sig := part.Get("thoughtSignature").String(); sig != "" && !functionCall.Exists() {
				emitSignature(params, &output, sig)
			}
			if textResult.String() == "" {
				return true
			}
			// A thinking block not closed by a signature is closed here.
			if params.BlockType != blockNone && params.BlockType != blockText {
				closeBlock(params, &output)
			}
			if params.BlockType == blockNone {
				output += sseEvent("content_block_start",
					fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, params.BlockIndex))
				params.BlockType = blockText
			}
			delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, params.BlockIndex), "delta.text", textResult.String())
			output += sseEvent("content_block_delta", delta)
			params.HasContent = true
		case functionCall.Exists():
			processFunctionCall(params, &output, functionCall)
		case part.Get("thoughtSignature").Exists():
			emitSignature(params, &output, part.Get("thoughtSignature").String())
		}
		return true
	})

	if !params.WebSearchEmitted && candidate.Get("groundingMetadata.groundingChunks").Exists() {
		emitGroundingBlocks(params, &output, candidate)
		params.WebSearchEmitted = true
	}

	if usage := resp.Get("usageMetadata"); usage.Exists() {
		recordUsage(params, usage)
	}

	if finish := candidate.Get("finishReason"); finish.Exists() {
		params.HasFinishReason = true
		params.FinishReason = finish.String()
		appendTerminalEvents(params, &output)
	}

	if output == "" {
		return nil
	}
	return []string{output}
}

// processThinking handles thought text and thought signatures. A signature
// closes the thinking phase: the upstream sends no further thought text
// after one.
func processThinking(params *Params, output *string, part, textResult gjson.Result) {
	if textResult.String() != "" {
		if params.BlockType != blockNone && params.BlockType != blockThinking {
			closeBlock(params, output)
		}
		if params.BlockType == blockNone {
			*output += sseEvent("content_block_start",
				fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, params.BlockIndex))
			params.BlockType = blockThinking
		}
		delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, params.BlockIndex), "delta.thinking", textResult.String())
		*output += sseEvent("content_block_delta", delta)
		params.HasContent = true
	}
	if sig := part.Get("thoughtSignature").String(); sig != "" {
		emitSignature(params, output, sig)
	}
}

// emitSignature ends the thinking phase: signature_delta on the open
// thinking block (started empty when none is open), then the block stop.
// Emitted at most once per response.
func emitSignature(params *Params, output *string, signature string) {
	if params.SignatureSent {
		return
	}
	if params.BlockType != blockNone && params.BlockType != blockThinking {
		closeBlock(params, output)
	}
	if params.BlockType == blockNone {
		*output += sseEvent("content_block_start",
			fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, params.BlockIndex))
		params.BlockType = blockThinking
	}
	delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, params.BlockIndex), "delta.signature", signature)
	*output += sseEvent("content_block_delta", delta)
	closeBlock(params, output)
	params.SignatureSent = true
	params.HasContent = true
}

// processFunctionCall emits a complete tool_use block. Upstream calls
// arrive whole, so the args are re-emitted as one atomic input_json_delta.
func processFunctionCall(params *Params, output *string, functionCall gjson.Result) {
	if params.BlockType != blockNone {
		closeBlock(params, output)
	}
	params.HasToolUse = true

	id := functionCall.Get("id").String()
	if id == "" {
		id = newToolUseID()
	}
	start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, params.BlockIndex)
	start, _ = sjson.Set(start, "content_block.id", id)
	start, _ = sjson.Set(start, "content_block.name", functionCall.Get("name").String())
	*output += sseEvent("content_block_start", start)

	args := functionCall.Get("args")
	partialJSON := "{}"
	if args.Exists() {
		partialJSON = args.Raw
	}
	delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, params.BlockIndex), "delta.partial_json", partialJSON)
	*output += sseEvent("content_block_delta", delta)

	params.BlockType = blockToolUse
	closeBlock(params, output)
	params.HasContent = true
}

// closeBlock emits content_block_stop for the open block and advances the
// index. No-op when nothing is open.
func closeBlock(params *Params, output *string) {
	if params.BlockType == blockNone {
		return
	}
	*output += sseEvent("content_block_stop",
		fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, params.BlockIndex))
	params.BlockIndex++
	params.BlockType = blockNone
}

func recordUsage(params *Params, usage gjson.Result) {
	params.CachedTokens = usage.Get("cachedContentTokenCount").Int()
	params.PromptTokens = usage.Get("promptTokenCount").Int() - params.CachedTokens
	params.CompletionTokens = usage.Get("candidatesTokenCount").Int()
	params.ThoughtTokens = usage.Get("thoughtsTokenCount").Int()
	params.TotalTokens = usage.Get("totalTokenCount").Int()
	if params.CompletionTokens == 0 && params.TotalTokens > 0 {
		params.CompletionTokens = params.TotalTokens - params.PromptTokens - params.ThoughtTokens
		if params.CompletionTokens < 0 {
			params.CompletionTokens = 0
		}
	}
}

// appendTerminalEvents closes any open block and emits the terminal
// message_delta/message_stop pair exactly once.
func appendTerminalEvents(params *Params, output *string) {
	if params.FinalSent {
		return
	}
	closeBlock(params, output)

	outputTokens := params.CompletionTokens + params.ThoughtTokens
	if outputTokens == 0 && params.TotalTokens > 0 {
		outputTokens = params.TotalTokens - params.PromptTokens
		if outputTokens < 0 {
			outputTokens = 0
		}
	}

	delta := fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"%s","stop_sequence":null},"usage":{"input_tokens":%d,"output_tokens":%d}}`,
		resolveStopReason(params), params.PromptTokens, outputTokens)
	if params.CachedTokens > 0 {
		delta, _ = sjson.Set(delta, "usage.cache_read_input_tokens", params.CachedTokens)
	}
	*output += sseEvent("message_delta", delta)
	*output += sseEvent("message_stop", `{"type":"message_stop"}`)
	params.FinalSent = true
}

func resolveStopReason(params *Params) string {
	if params.HasToolUse {
		return "tool_use"
	}
	if params.FinishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// emitGroundingBlocks renders mid-stream grounding metadata as an
// opened-and-closed server_tool_use block followed by its
// web_search_tool_result.
func emitGroundingBlocks(params *Params, output *string, candidate gjson.Result) {
	if params.BlockType != blockNone {
		closeBlock(params, output)
	}

	toolUseID := newServerToolUseID()
	query := candidate.Get("groundingMetadata.webSearchQueries.0").String()

	start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"server_tool_use","id":"","name":"web_search","input":{}}}`, params.BlockIndex)
	start, _ = sjson.Set(start, "content_block.id", toolUseID)
	*output += sseEvent("content_block_start", start)

	queryJSON, _ := sjson.Set(`{"query":""}`, "query", query)
	delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, params.BlockIndex), "delta.partial_json", queryJSON)
	*output += sseEvent("content_block_delta", delta)
	*output += sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, params.BlockIndex))
	params.BlockIndex++

	results := groundingChunksToResults(candidate.Get("groundingMetadata.groundingChunks").Array())
	resultBlock := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"web_search_tool_result","tool_use_id":"","content":[]}}`, params.BlockIndex)
	resultBlock, _ = sjson.Set(resultBlock, "content_block.tool_use_id", toolUseID)
	resultBlock, _ = sjson.SetRaw(resultBlock, "content_block.content", webSearchResultsJSON(results))
	*output += sseEvent("content_block_start", resultBlock)
	*output += sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, params.BlockIndex))
	params.BlockIndex++

	params.HasContent = true
}

// ConvertGeminiResponseToClaudeNonStream converts a whole-body upstream
// response into a single chat-completion object echoing the requested
// model.
func ConvertGeminiResponseToClaudeNonStream(_ context.Context, requestedModel string, rawJSON []byte) string {
	resp := unwrapResponse(rawJSON)
	candidate := resp.Get("candidates.0")

	var textParts []string
	var thinking strings.Builder
	toolCalls := "[]"
	hasToolCalls := false

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			thinking.WriteString(part.Get("text").String())
			return true
		}
		if functionCall := part.Get("functionCall"); functionCall.Exists() {
			id := functionCall.Get("id").String()
			if id == "" {
				id = newToolUseID()
			}
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", id)
			call, _ = sjson.Set(call, "function.name", functionCall.Get("name").String())
			args := "{}"
			if a := functionCall.Get("args"); a.Exists() {
				args = a.Raw
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
			hasToolCalls = true
			return true
		}
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			textParts = append(textParts, text.String())
		}
		return true
	})

	finishReason := strings.ToLower(candidate.Get("finishReason").String())
	if finishReason == "" {
		finishReason = "stop"
	}

	out := `{"id":"","model":"","choices":[{"index":0,"finish_reason":"","message":{"role":"assistant","content":""}}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	id := resp.Get("responseId").String()
	if id == "" {
		id = newMessageID()
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", requestedModel)
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, "\n"))
	if hasToolCalls {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}
	if thinking.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.thinking", thinking.String())
	}

	usage := resp.Get("usageMetadata")
	promptTokens := usage.Get("promptTokenCount").Int()
	completionTokens := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	totalTokens := usage.Get("totalTokenCount").Int()
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	out, _ = sjson.Set(out, "usage.prompt_tokens", promptTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", completionTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", totalTokens)

	return out
}

func newMessageID() string {
	return "msg_" + randomHex(12)
}

func newToolUseID() string {
	return "toolu_" + randomHex(12)
}

func newServerToolUseID() string {
	return "srvtoolu_" + randomHex(12)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
