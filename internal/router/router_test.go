package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudrelay/geminirelay/internal/config"
)

func testRouting() config.RoutingConfig {
	return config.RoutingConfig{
		Models: map[string]string{
			"claude-opus-4-5-20251101": "claude-opus-4-5-thinking",
		},
		OpusTarget:    "gemini-3-pro-high",
		HaikuTarget:   "gemini-2.5-flash",
		DefaultTarget: "gemini-3-pro-preview",
	}
}

func TestRouteExactMapping(t *testing.T) {
	body := []byte(`{"model":"claude-opus-4-5-20251101","messages":[]}`)
	decision := Route(body, testRouting())

	require.Equal(t, PipelineStandard, decision.Pipeline)
	require.Equal(t, "claude-opus-4-5-thinking", decision.TargetModel)
	require.Equal(t, "claude-opus-4-5-20251101", decision.RequestedModel)
}

func TestRouteFamilyFallback(t *testing.T) {
	cases := []struct {
		model  string
		target string
	}{
		{"claude-opus-4-9-20270101", "gemini-3-pro-high"},
		{"claude-haiku-4-5-20260219", "gemini-2.5-flash"},
		{"claude-sonnet-4-6", "gemini-3-pro-preview"},
		{"some-unknown-model", "gemini-3-pro-preview"},
	}
	for _, tc := range cases {
		decision := Route([]byte(`{"model":"`+tc.model+`"}`), testRouting())
		require.Equal(t, tc.target, decision.TargetModel, "model %s", tc.model)
	}
}

func TestRouteWebSearchToolWins(t *testing.T) {
	body := []byte(`{
		"model":"claude-opus-4-5-20251101",
		"tools":[
			{"name":"get_weather","input_schema":{"type":"object"}},
			{"type":"web_search_20250305","name":"web_search","max_uses":5}
		]
	}`)
	decision := Route(body, testRouting())

	require.Equal(t, PipelineWebSearch, decision.Pipeline)
	require.Equal(t, "claude-opus-4-5-thinking", decision.TargetModel)
}

func TestRouteFutureWebSearchRevision(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-6","tools":[{"type":"web_search_20260101","name":"web_search"}]}`)
	decision := Route(body, testRouting())
	require.Equal(t, PipelineWebSearch, decision.Pipeline)
}

func TestRouteNoToolsStaysStandard(t *testing.T) {
	decision := Route([]byte(`{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`), testRouting())
	require.Equal(t, PipelineStandard, decision.Pipeline)
}
