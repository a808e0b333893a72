// Package router selects the processing pipeline and upstream model for an
// incoming request based on its requested model and declared tools.
package router

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cloudrelay/geminirelay/internal/config"
)

// Pipeline identifies which request/response handling path a request takes.
type Pipeline string

const (
	// PipelineStandard is the default generate-content path.
	PipelineStandard Pipeline = "standard"
	// PipelineWebSearch is the grounded web search path.
	PipelineWebSearch Pipeline = "web_search"
)

// Decision is the routing outcome for a single request.
type Decision struct {
	Pipeline Pipeline
	// TargetModel is the upstream model identifier to call.
	TargetModel string
	// RequestedModel is the client-facing model echoed back in responses.
	RequestedModel string
}

// Route inspects a raw client request body and returns the pipeline plus the
// upstream model it maps to. The presence of a web search tool always wins
// over model-based selection.
func Route(rawJSON []byte, routing config.RoutingConfig) Decision {
	requested := gjson.GetBytes(rawJSON, "model").String()

	decision := Decision{
		Pipeline:       PipelineStandard,
		RequestedModel: requested,
		TargetModel:    resolveModel(requested, routing),
	}
	if hasWebSearchTool(rawJSON) {
		decision.Pipeline = PipelineWebSearch
	}
	return decision
}

// hasWebSearchTool reports whether any declared tool is a web search tool.
// Tool types are versioned, web_search_20250305 and later revisions, so the
// match is on the prefix.
func hasWebSearchTool(rawJSON []byte) bool {
	found := false
	gjson.GetBytes(rawJSON, "tools").ForEach(func(_, tool gjson.Result) bool {
		if strings.HasPrefix(tool.Get("type").String(), "web_search") {
			found = true
			return false
		}
		return true
	})
	return found
}

// resolveModel maps a requested model to an upstream one: exact match in
// the configured mapping first, then family substring fallback.
func resolveModel(requested string, routing config.RoutingConfig) string {
	if target, ok := routing.Models[requested]; ok && target != "" {
		return target
	}
	lower := strings.ToLower(requested)
	switch {
	case strings.Contains(lower, "opus"):
		return routing.OpusTarget
	case strings.Contains(lower, "haiku"):
		return routing.HaikuTarget
	default:
		return routing.DefaultTarget
	}
}
