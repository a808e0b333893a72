package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cloudrelay/geminirelay/internal/auth/google"
	"github.com/cloudrelay/geminirelay/internal/executor"
	"github.com/cloudrelay/geminirelay/internal/metrics"
	"github.com/cloudrelay/geminirelay/internal/router"
	"github.com/cloudrelay/geminirelay/internal/translator/claude"
)

// handleMessages is the translation endpoint: Claude messages in, upstream
// envelope out, upstream reply reshaped back.
func (s *Server) handleMessages(c *gin.Context) {
	rawJSON, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "failed to read request body"))
		return
	}
	if !gjson.ValidBytes(rawJSON) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "request body is not valid JSON"))
		return
	}

	cfg := s.cfg.Get()
	decision := router.Route(rawJSON, cfg.Routing)
	stream := gjson.GetBytes(rawJSON, "stream").Bool()

	meta := claude.Envelope{
		Project:     cfg.Upstream.Project,
		UserAgent:   cfg.Upstream.UserAgent,
		RequestType: cfg.Upstream.RequestType,
		TargetModel: decision.TargetModel,
	}

	if decision.Pipeline == router.PipelineWebSearch {
		s.handleWebSearch(c, meta, decision, rawJSON, stream)
		return
	}
	s.handleStandard(c, meta, decision, rawJSON, stream)
}

func (s *Server) handleStandard(c *gin.Context, meta claude.Envelope, decision router.Decision, rawJSON []byte, stream bool) {
	envelope, errConvert := claude.ConvertClaudeRequestToGemini(meta, rawJSON)
	if errConvert != nil {
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "transform_error").Inc()
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", errConvert.Error()))
		return
	}

	ctx := c.Request.Context()
	if !stream {
		body, errExec := s.exec.Execute(ctx, envelope)
		if errExec != nil {
			s.writeUpstreamError(c, decision, errExec)
			return
		}
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "ok").Inc()
		c.Data(http.StatusOK, "application/json", []byte(claude.ConvertGeminiResponseToClaudeNonStream(ctx, decision.RequestedModel, body)))
		return
	}

	chunks, errExec := s.exec.ExecuteStream(ctx, envelope)
	if errExec != nil {
		s.writeUpstreamError(c, decision, errExec)
		return
	}

	writer := beginSSE(c)
	var param any
	for chunk := range chunks {
		if chunk.Err != nil {
			log.Errorf("messages: upstream stream failed: %v", chunk.Err)
			writer.writeEvent("error", `{"type":"error","error":{"type":"upstream_error","message":"upstream stream failed"}}`)
			metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "upstream_error").Inc()
			return
		}
		for _, event := range claude.ConvertGeminiResponseToClaude(ctx, decision.RequestedModel, chunk.Payload, &param) {
			writer.write(event)
		}
	}
	// Client gone: abandon without synthesizing a terminal pair.
	if ctx.Err() != nil {
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "cancelled").Inc()
		return
	}
	for _, event := range claude.ConvertGeminiResponseToClaude(ctx, decision.RequestedModel, []byte("[DONE]"), &param) {
		writer.write(event)
	}
	metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "ok").Inc()
}

// handleWebSearch drains the grounded upstream call completely, then
// renders the result in one pass.
func (s *Server) handleWebSearch(c *gin.Context, meta claude.Envelope, decision router.Decision, rawJSON []byte, stream bool) {
	envelope, query, errBuild := claude.BuildWebSearchRequest(meta, rawJSON)
	if errBuild != nil {
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "transform_error").Inc()
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", errBuild.Error()))
		return
	}

	ctx := c.Request.Context()
	chunks, errExec := s.exec.ExecuteStream(ctx, envelope)
	if errExec != nil {
		s.writeUpstreamError(c, decision, errExec)
		return
	}

	agg := &claude.WebSearchAggregator{}
	for chunk := range chunks {
		if chunk.Err != nil {
			log.Errorf("web search: upstream stream failed: %v", chunk.Err)
			metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "upstream_error").Inc()
			c.JSON(http.StatusBadGateway, errorBody("upstream_error", "upstream stream failed"))
			return
		}
		agg.Collect(chunk.Payload)
	}
	if ctx.Err() != nil {
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "cancelled").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "ok").Inc()
	if stream {
		writer := beginSSE(c)
		writer.write(agg.Render(decision.RequestedModel, query))
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(agg.RenderNonStream(decision.RequestedModel, query)))
}

// writeUpstreamError relays upstream status errors verbatim and maps auth
// failures onto explicit authentication errors.
func (s *Server) writeUpstreamError(c *gin.Context, decision router.Decision, err error) {
	var statusErr *executor.StatusError
	switch {
	case errors.As(err, &statusErr):
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "upstream_error").Inc()
		contentType := "application/json"
		if !gjson.ValidBytes(statusErr.Body) {
			contentType = "text/plain"
		}
		c.Data(statusErr.Code, contentType, statusErr.Body)
	case errors.Is(err, google.ErrNotAuthenticated), errors.Is(err, google.ErrCredentialsRevoked), errors.Is(err, google.ErrNoRefreshToken):
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "auth_error").Inc()
		c.JSON(http.StatusUnauthorized, errorBody("authentication_error", err.Error()))
	default:
		metrics.RequestsTotal.WithLabelValues(string(decision.Pipeline), "error").Inc()
		c.JSON(http.StatusBadGateway, errorBody("upstream_error", err.Error()))
	}
}

func errorBody(errType, message string) gin.H {
	return gin.H{"type": "error", "error": gin.H{"type": errType, "message": message}}
}

// sseWriter flushes after every write so events reach the client as they
// are produced.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func beginSSE(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	return &sseWriter{c: c, flusher: flusher}
}

func (w *sseWriter) write(raw string) {
	if raw == "" {
		return
	}
	_, _ = w.c.Writer.WriteString(raw)
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

func (w *sseWriter) writeEvent(name, data string) {
	w.write("event: " + name + "\ndata: " + data + "\n\n")
}
