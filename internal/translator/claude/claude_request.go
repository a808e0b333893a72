// Package claude translates between the Anthropic-style messages protocol
// and the upstream Gemini-style envelope protocol. Request translation
// builds the outbound envelope; response translation reshapes upstream
// output, streaming or whole-body, into Claude-compatible events.
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Envelope carries the configuration-derived fields of the outbound wrapper.
type Envelope struct {
	Project     string
	UserAgent   string
	RequestType string
	TargetModel string
}

// sessionID is a process-local token attached to every outbound envelope.
var sessionID = "session-" + uuid.NewString()

// ConvertClaudeRequestToGemini converts an inbound Claude messages request
// into the upstream envelope. Messages become contents with role mapping
// assistant->model, system prompts divert to systemInstruction, tool
// declarations are sanitized and cased for the upstream, and every
// functionCall turn is followed by a user turn holding the matching
// functionResponses.
func ConvertClaudeRequestToGemini(meta Envelope, rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	request := map[string]any{
		"sessionId": sessionID,
	}

	request["contents"] = buildContents(root)

	if sys := buildSystemInstruction(root); sys != nil {
		request["systemInstruction"] = sys
	}

	tools, declared := buildTools(root)
	if len(tools) > 0 {
		request["tools"] = tools
	}
	if toolConfig := buildToolConfig(root, declared); toolConfig != nil {
		request["toolConfig"] = toolConfig
	}
	if genConfig := buildGenerationConfig(root); len(genConfig) > 0 {
		request["generationConfig"] = genConfig
	}

	envelope := map[string]any{
		"project":     meta.Project,
		"requestId":   uuid.NewString(),
		"model":       meta.TargetModel,
		"userAgent":   meta.UserAgent,
		"requestType": meta.RequestType,
		"request":     request,
	}

	out, errMarshal := json.Marshal(envelope)
	if errMarshal != nil {
		return nil, fmt.Errorf("claude request: marshal envelope: %w", errMarshal)
	}
	return out, nil
}

// buildContents walks the message list in order, emitting one content per
// non-empty message and pairing every functionCall with exactly one
// functionResponse in the following user turn. Calls the client answers
// with tool_result blocks keep those answers; every other call gets a
// synthesized null-output response.
func buildContents(root gjson.Result) []map[string]any {
	messages := root.Get("messages").Array()

	// Tool-role messages are not contents of their own; they are indexed
	// by call id and relocated directly after the turn that called them.
	toolOutputs := map[string]any{}
	for _, msg := range messages {
		if msg.Get("role").String() == "tool" {
			if id := msg.Get("tool_call_id").String(); id != "" {
				toolOutputs[id] = blockContentText(msg.Get("content"))
			}
		}
	}

	var contents []map[string]any
	var pending []toolCallRef
	for i, msg := range messages {
		role := msg.Get("role").String()
		if role == "system" || role == "tool" {
			continue
		}

		outRole := "user"
		if role == "assistant" {
			outRole = "model"
		}

		parts, callIDs := buildParts(msg)
		if outRole == "user" && len(pending) > 0 {
			// Calls the previous model turn issued but this response turn
			// left unanswered, completed here in call order.
			for _, call := range pending {
				parts = append(parts, functionResponsePart(call, nil))
			}
			pending = nil
		}
		if len(parts) > 0 {
			contents = append(contents, map[string]any{"role": outRole, "parts": parts})
		}

		if outRole != "model" || len(callIDs) == 0 {
			continue
		}
		answered := nextUserAnswers(messages, i)
		if len(answered) > 0 {
			for _, call := range callIDs {
				if !answered[call.id] {
					pending = append(pending, call)
				}
			}
			continue
		}
		responseParts := make([]map[string]any, 0, len(callIDs))
		for _, call := range callIDs {
			// No matching response observed; pair with a null output
			// rather than leave the call unanswered.
			output, ok := toolOutputs[call.id]
			if !ok {
				output = nil
			}
			responseParts = append(responseParts, functionResponsePart(call, output))
		}
		contents = append(contents, map[string]any{"role": "user", "parts": responseParts})
	}

	return contents
}

func functionResponsePart(call toolCallRef, output any) map[string]any {
	return map[string]any{
		"functionResponse": map[string]any{
			"id":       call.id,
			"name":     call.name,
			"response": map[string]any{"output": output},
		},
	}
}

// nextUserAnswers returns the call ids answered by tool_result blocks of the
// first non-system message after index i, when that message is a user turn.
func nextUserAnswers(messages []gjson.Result, i int) map[string]bool {
	for j := i + 1; j < len(messages); j++ {
		role := messages[j].Get("role").String()
		if role == "system" {
			continue
		}
		if role != "user" {
			return nil
		}
		ids := map[string]bool{}
		messages[j].Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				if id := block.Get("tool_use_id").String(); id != "" {
					ids[id] = true
				}
			}
			return true
		})
		return ids
	}
	return nil
}

type toolCallRef struct {
	id   string
	name string
}

// buildParts converts one message's content into upstream parts. It returns
// the parts plus the ordered functionCall refs that still need a synthesized
// response turn; a message that already carries its own tool_result blocks
// returns no refs.
func buildParts(msg gjson.Result) ([]map[string]any, []toolCallRef) {
	var parts []map[string]any
	var calls []toolCallRef
	hasResponses := false
	signature := ""

	content := msg.Get("content")
	if content.Type == gjson.String {
		if content.String() != "" {
			parts = append(parts, map[string]any{"text": content.String()})
		}
	} else if content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if block.Get("text").String() != "" {
					parts = append(parts, map[string]any{"text": block.Get("text").String()})
				}
			case "thinking":
				if sig := block.Get("signature").String(); sig != "" {
					signature = sig
				}
			case "image":
				if part := imagePart(block); part != nil {
					parts = append(parts, part)
				}
			case "tool_use":
				part := map[string]any{
					"functionCall": map[string]any{
						"id":   block.Get("id").String(),
						"name": block.Get("name").String(),
						"args": jsonValue(block.Get("input")),
					},
				}
				parts = append(parts, part)
				calls = append(calls, toolCallRef{id: block.Get("id").String(), name: block.Get("name").String()})
			case "tool_result":
				hasResponses = true
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"id":       block.Get("tool_use_id").String(),
						"response": map[string]any{"output": blockContentText(block.Get("content"))},
					},
				})
			default:
				log.Debugf("claude request: skipping unknown content block type %q", block.Get("type").String())
			}
			return true
		})
	}

	// OpenAI-style tool_calls on the message itself.
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		id := call.Get("id").String()
		name := call.Get("function.name").String()
		var args any = map[string]any{}
		if rawArgs := call.Get("function.arguments").String(); rawArgs != "" {
			var parsed any
			if errUnmarshal := json.Unmarshal([]byte(rawArgs), &parsed); errUnmarshal == nil {
				args = parsed
			}
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"id": id, "name": name, "args": args},
		})
		calls = append(calls, toolCallRef{id: id, name: name})
		return true
	})

	if signature != "" && len(parts) > 0 {
		parts[0]["thoughtSignature"] = signature
	}

	// tool_result-only user messages are the response turn itself; calls
	// answered this way must not be answered again by synthesis.
	if hasResponses {
		calls = nil
	}
	return parts, calls
}

// imagePart maps an image block to fileData for http(s) sources and
// inlineData for base64 sources.
func imagePart(block gjson.Result) map[string]any {
	source := block.Get("source")
	switch source.Get("type").String() {
	case "url":
		u := source.Get("url").String()
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			return map[string]any{
				"fileData": map[string]any{
					"fileUri":  u,
					"mimeType": source.Get("media_type").String(),
				},
			}
		}
	case "base64":
		return map[string]any{
			"inlineData": map[string]any{
				"mimeType": source.Get("media_type").String(),
				"data":     source.Get("data").String(),
			},
		}
	}
	log.Debugf("claude request: skipping unsupported image source type %q", source.Get("type").String())
	return nil
}

// blockContentText flattens a tool result payload, string or text-block
// array, into plain text.
func blockContentText(content gjson.Result) any {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var sb strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
		return sb.String()
	}
	if content.Exists() {
		return jsonValue(content)
	}
	return nil
}

func buildSystemInstruction(root gjson.Result) map[string]any {
	var texts []string

	system := root.Get("system")
	if system.Type == gjson.String && system.String() != "" {
		texts = append(texts, system.String())
	} else if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" && block.Get("text").String() != "" {
				texts = append(texts, block.Get("text").String())
			}
			return true
		})
	}

	if len(texts) == 0 {
		root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			if msg.Get("role").String() == "system" {
				if text, ok := blockContentText(msg.Get("content")).(string); ok && text != "" {
					texts = append(texts, text)
				}
			}
			return true
		})
	}

	if len(texts) == 0 {
		return nil
	}
	parts := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		parts = append(parts, map[string]any{"text": text})
	}
	return map[string]any{"role": "user", "parts": parts}
}

// buildTools converts declared tools into a single functionDeclarations
// group. Web search tools are handled by a separate pipeline and filtered
// here; a tool matching none of the accepted shapes is skipped, not fatal.
func buildTools(root gjson.Result) ([]map[string]any, bool) {
	var declarations []map[string]any
	declared := false

	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		if strings.HasPrefix(tool.Get("type").String(), "web_search") {
			return true
		}
		declared = true

		name := ""
		var schemaResult gjson.Result
		switch {
		case tool.Get("input_schema").Exists():
			name = tool.Get("name").String()
			schemaResult = tool.Get("input_schema")
		case tool.Get("function").Exists():
			name = tool.Get("function.name").String()
			schemaResult = tool.Get("function.parameters")
		case tool.Get("parameters").Exists():
			name = tool.Get("name").String()
			schemaResult = tool.Get("parameters")
		default:
			name = tool.Get("name").String()
		}
		if name == "" {
			log.Warnf("claude request: skipping tool with unrecognized shape: %s", tool.Raw)
			return true
		}

		params := map[string]any{}
		if schemaResult.Exists() && schemaResult.IsObject() {
			if errUnmarshal := json.Unmarshal([]byte(schemaResult.Raw), &params); errUnmarshal != nil {
				log.Warnf("claude request: skipping tool %q with malformed schema: %v", name, errUnmarshal)
				return true
			}
		}
		params = uppercaseSchemaTypes(cleanSchema(params))
		if len(params) == 0 {
			params = map[string]any{"type": "OBJECT", "properties": map[string]any{}}
		}

		declaration := map[string]any{
			"name":       name,
			"parameters": params,
		}
		if desc := toolDescription(tool); desc != "" {
			declaration["description"] = desc
		}
		declarations = append(declarations, declaration)
		return true
	})

	if len(declarations) == 0 {
		return nil, declared
	}
	return []map[string]any{{"functionDeclarations": declarations}}, declared
}

func toolDescription(tool gjson.Result) string {
	if desc := tool.Get("description").String(); desc != "" {
		return desc
	}
	return tool.Get("function.description").String()
}

func buildToolConfig(root gjson.Result, toolsDeclared bool) map[string]any {
	if !toolsDeclared {
		return nil
	}

	mode := "VALIDATED"
	var allowed []string

	choice := root.Get("tool_choice")
	choiceType := choice.Get("type").String()
	if choice.Type == gjson.String {
		choiceType = choice.String()
	}
	switch choiceType {
	case "auto":
		mode = "AUTO"
	case "none":
		mode = "NONE"
	case "required", "any":
		mode = "ANY"
	case "tool":
		mode = "ANY"
		if name := choice.Get("name").String(); name != "" {
			allowed = []string{name}
		}
	}

	fc := map[string]any{"mode": mode}
	if len(allowed) > 0 {
		fc["allowedFunctionNames"] = allowed
	}
	return map[string]any{"functionCallingConfig": fc}
}

func buildGenerationConfig(root gjson.Result) map[string]any {
	genConfig := map[string]any{}
	if temp := root.Get("temperature"); temp.Exists() {
		genConfig["temperature"] = temp.Float()
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		genConfig["maxOutputTokens"] = maxTokens.Int()
	}
	if topP := root.Get("top_p"); topP.Exists() {
		genConfig["topP"] = topP.Float()
	}

	thinkingConfig := map[string]any{}
	if effort := root.Get("reasoning.effort"); effort.Exists() && effort.String() != "none" {
		thinkingConfig["includeThoughts"] = true
		if budget := root.Get("reasoning.max_tokens"); budget.Exists() {
			thinkingConfig["thinkingBudget"] = budget.Int()
		}
	} else if root.Get("thinking.type").String() == "enabled" {
		thinkingConfig["includeThoughts"] = true
		if budget := root.Get("thinking.budget_tokens"); budget.Exists() {
			thinkingConfig["thinkingBudget"] = budget.Int()
		}
	}
	if len(thinkingConfig) > 0 {
		genConfig["thinkingConfig"] = thinkingConfig
	}
	return genConfig
}

// jsonValue decodes a gjson result into plain Go values.
func jsonValue(result gjson.Result) any {
	if !result.Exists() {
		return nil
	}
	var v any
	if errUnmarshal := json.Unmarshal([]byte(result.Raw), &v); errUnmarshal != nil {
		return nil
	}
	return v
}
