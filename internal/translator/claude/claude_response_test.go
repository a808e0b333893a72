package claude

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type sseFrame struct {
	event string
	data  gjson.Result
}

func parseSSE(t *testing.T, raw string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "frame %q", block)
		event := strings.TrimPrefix(lines[0], "event: ")
		data := strings.TrimPrefix(lines[1], "data: ")
		require.True(t, gjson.Valid(data), "frame data %q", data)
		frames = append(frames, sseFrame{event: event, data: gjson.Parse(data)})
	}
	return frames
}

func runStream(t *testing.T, model string, chunks ...string) []sseFrame {
	t.Helper()
	var param any
	raw := ""
	for _, chunk := range chunks {
		for _, out := range ConvertGeminiResponseToClaude(context.Background(), model, []byte(chunk), &param) {
			raw += out
		}
	}
	for _, out := range ConvertGeminiResponseToClaude(context.Background(), model, []byte("[DONE]"), &param) {
		raw += out
	}
	return parseSSE(t, raw)
}

func TestStreamThinkingSignatureTextOrder(t *testing.T) {
	frames := runStream(t, "claude-opus-4-5-20251101",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"a","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"","thought":true,"thoughtSignature":"sig1"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}}`,
	)

	var sequence []string
	for _, frame := range frames {
		sequence = append(sequence, frame.event)
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, sequence)

	require.Equal(t, "claude-opus-4-5-20251101", frames[0].data.Get("message.model").String())
	require.Equal(t, "thinking", frames[1].data.Get("content_block.type").String())
	require.Equal(t, "a", frames[2].data.Get("delta.thinking").String())
	require.Equal(t, "sig1", frames[3].data.Get("delta.signature").String())
	require.Equal(t, "text", frames[5].data.Get("content_block.type").String())
	require.Equal(t, "b", frames[6].data.Get("delta.text").String())
	require.Equal(t, "end_turn", frames[8].data.Get("delta.stop_reason").String())
	require.Equal(t, int64(3), frames[8].data.Get("usage.input_tokens").Int())
	require.Equal(t, int64(2), frames[8].data.Get("usage.output_tokens").Int())
}

func TestStreamSignatureOnTextPart(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Hello","thoughtSignature":"sig1"}]},"finishReason":"STOP"}]}}`,
	)

	var sequence []string
	for _, frame := range frames {
		sequence = append(sequence, frame.event)
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, sequence)

	// The signature closes an empty thinking block; the visible text stays
	// a text block.
	require.Equal(t, "thinking", frames[1].data.Get("content_block.type").String())
	require.Equal(t, "sig1", frames[2].data.Get("delta.signature").String())
	require.Equal(t, "text", frames[4].data.Get("content_block.type").String())
	require.Equal(t, "Hello", frames[5].data.Get("delta.text").String())
	for _, frame := range frames {
		require.NotEqual(t, "thinking_delta", frame.data.Get("delta.type").String())
	}
}

func TestStreamSignatureAfterThoughtTextPart(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"plan","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"done","thoughtSignature":"sig2"}]},"finishReason":"STOP"}]}}`,
	)

	var sequence []string
	for _, frame := range frames {
		sequence = append(sequence, frame.event)
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, sequence)

	require.Equal(t, "thinking", frames[1].data.Get("content_block.type").String())
	require.Equal(t, "plan", frames[2].data.Get("delta.thinking").String())
	require.Equal(t, "sig2", frames[3].data.Get("delta.signature").String())
	require.Equal(t, "text", frames[5].data.Get("content_block.type").String())
	require.Equal(t, "done", frames[6].data.Get("delta.text").String())
}

func TestStreamBlockInvariants(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"thinking","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"","thought":true,"thoughtSignature":"s"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"answer "}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"tool_a","args":{"x":1}}}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"tail"}]},"finishReason":"STOP"}]}}`,
	)

	starts := 0
	stops := 0
	messageStarts := 0
	messageStops := 0
	lastStartIndex := int64(-1)
	open := map[int64]bool{}
	for _, frame := range frames {
		switch frame.event {
		case "message_start":
			messageStarts++
		case "message_stop":
			messageStops++
		case "content_block_start":
			starts++
			idx := frame.data.Get("index").Int()
			require.Greater(t, idx, lastStartIndex, "block indices must strictly increase")
			lastStartIndex = idx
			require.False(t, open[idx])
			open[idx] = true
		case "content_block_stop":
			stops++
			idx := frame.data.Get("index").Int()
			require.True(t, open[idx], "stop without start for index %d", idx)
			open[idx] = false
		}
	}
	require.Equal(t, 1, messageStarts)
	require.Equal(t, 1, messageStops)
	require.Equal(t, starts, stops)
	for idx, isOpen := range open {
		require.False(t, isOpen, "block %d left open", idx)
	}
}

func TestStreamToolUseAtomic(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"call_7","name":"get_weather","args":{"city":"Berlin"}}}]},"finishReason":"STOP"}]}}`,
	)

	require.Equal(t, "content_block_start", frames[1].event)
	require.Equal(t, "tool_use", frames[1].data.Get("content_block.type").String())
	require.Equal(t, "call_7", frames[1].data.Get("content_block.id").String())
	require.Equal(t, "get_weather", frames[1].data.Get("content_block.name").String())

	require.Equal(t, "content_block_delta", frames[2].event)
	require.Equal(t, "input_json_delta", frames[2].data.Get("delta.type").String())
	require.JSONEq(t, `{"city":"Berlin"}`, frames[2].data.Get("delta.partial_json").String())

	require.Equal(t, "content_block_stop", frames[3].event)
	require.Equal(t, "tool_use", frames[len(frames)-2].data.Get("delta.stop_reason").String())
}

func TestStreamMalformedChunkSkipped(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`,
		`{this is not json`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}]}}`,
	)

	text := ""
	for _, frame := range frames {
		if frame.event == "content_block_delta" && frame.data.Get("delta.type").String() == "text_delta" {
			text += frame.data.Get("delta.text").String()
		}
	}
	require.Equal(t, "ok!", text)
	require.Equal(t, "message_stop", frames[len(frames)-1].event)
}

func TestStreamEarlyCloseSafetyNet(t *testing.T) {
	// No finishReason; [DONE] must still produce a terminal pair.
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}`,
	)

	require.Equal(t, "content_block_stop", frames[len(frames)-3].event)
	require.Equal(t, "message_delta", frames[len(frames)-2].event)
	require.Equal(t, "message_stop", frames[len(frames)-1].event)
}

func TestStreamNoOutputBeforeCandidate(t *testing.T) {
	var param any
	out := ConvertGeminiResponseToClaude(context.Background(), "m", []byte(`{"response":{}}`), &param)
	require.Empty(t, out)
	done := ConvertGeminiResponseToClaude(context.Background(), "m", []byte("[DONE]"), &param)
	require.Empty(t, done)
}

func TestStreamBareObjectUnwrap(t *testing.T) {
	frames := runStream(t, "m",
		`{"candidates":[{"content":{"parts":[{"text":"bare"}]},"finishReason":"STOP"}]}`,
	)
	require.Equal(t, "bare", frames[2].data.Get("delta.text").String())
}

func TestStreamGroundingEmittedOnce(t *testing.T) {
	grounded := `{"response":{"candidates":[{
		"content":{"parts":[{"text":"summary"}]},
		"groundingMetadata":{
			"webSearchQueries":["go generics"],
			"groundingChunks":[{"web":{"uri":"https://go.dev/blog","title":"The Go Blog"}}]
		}
	}]}}`
	frames := runStream(t, "m",
		grounded,
		grounded,
		`{"response":{"candidates":[{"finishReason":"STOP"}]}}`,
	)

	serverToolUses := 0
	toolResults := 0
	for _, frame := range frames {
		if frame.event != "content_block_start" {
			continue
		}
		switch frame.data.Get("content_block.type").String() {
		case "server_tool_use":
			serverToolUses++
			require.Contains(t, frame.data.Get("content_block.id").String(), "srvtoolu_")
		case "web_search_tool_result":
			toolResults++
			require.Equal(t, "The Go Blog", frame.data.Get("content_block.content.0.title").String())
			require.NotEmpty(t, frame.data.Get("content_block.content.0.encrypted_content").String())
		}
	}
	require.Equal(t, 1, serverToolUses)
	require.Equal(t, 1, toolResults)
}

func TestNonStreamConversion(t *testing.T) {
	raw := []byte(`{"response":{
		"responseId":"resp-1",
		"candidates":[{
			"content":{"parts":[
				{"text":"planning","thought":true},
				{"text":"Hello"},
				{"text":"world"},
				{"functionCall":{"id":"call_3","name":"lookup","args":{"q":"x"}}}
			]},
			"finishReason":"STOP"
		}],
		"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"thoughtsTokenCount":2,"totalTokenCount":17}
	}}`)

	out := ConvertGeminiResponseToClaudeNonStream(context.Background(), "claude-sonnet-4-6", raw)
	result := gjson.Parse(out)

	require.Equal(t, "resp-1", result.Get("id").String())
	require.Equal(t, "claude-sonnet-4-6", result.Get("model").String())
	require.Equal(t, "stop", result.Get("choices.0.finish_reason").String())
	require.Equal(t, "Hello\nworld", result.Get("choices.0.message.content").String())
	require.Equal(t, "planning", result.Get("choices.0.message.thinking").String())
	require.Equal(t, "lookup", result.Get("choices.0.message.tool_calls.0.function.name").String())
	require.JSONEq(t, `{"q":"x"}`, result.Get("choices.0.message.tool_calls.0.function.arguments").String())
	require.Equal(t, int64(10), result.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(7), result.Get("usage.completion_tokens").Int())
	require.Equal(t, int64(17), result.Get("usage.total_tokens").Int())
}

func TestNonStreamDefaultFinishReason(t *testing.T) {
	out := ConvertGeminiResponseToClaudeNonStream(context.Background(), "m",
		[]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`))
	require.Equal(t, "stop", gjson.Get(out, "choices.0.finish_reason").String())
}

func TestStreamMaxTokensStopReason(t *testing.T) {
	frames := runStream(t, "m",
		`{"response":{"candidates":[{"content":{"parts":[{"text":"truncated"}]},"finishReason":"MAX_TOKENS"}]}}`,
	)
	require.Equal(t, "max_tokens", frames[len(frames)-2].data.Get("delta.stop_reason").String())
}
