// Package executor owns the HTTP calls to the upstream generation
// endpoints, including SSE stream consumption.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudrelay/geminirelay/internal/auth/google"
	"github.com/cloudrelay/geminirelay/internal/config"
	"github.com/cloudrelay/geminirelay/internal/metrics"
)

const (
	streamPath   = "/v1internal:streamGenerateContent"
	generatePath = "/v1internal:generateContent"
)

// StatusError carries a non-2xx upstream reply. The body is relayed to the
// caller unmodified, never transformed or retried.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, strings.TrimSpace(string(e.Body)))
}

// StreamChunk is one SSE data payload or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// GeminiExecutor sends envelopes to the upstream and exposes the reply as
// either a whole body or a channel of SSE data payloads.
type GeminiExecutor struct {
	upstream   config.UpstreamConfig
	tokens     *google.Manager
	httpClient *http.Client
}

// NewGeminiExecutor creates an executor over the given upstream config and
// token manager. The client carries no overall timeout so long streams are
// not cut off; cancellation comes from the request context.
func NewGeminiExecutor(upstream config.UpstreamConfig, tokens *google.Manager) *GeminiExecutor {
	return &GeminiExecutor{
		upstream: upstream,
		tokens:   tokens,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
	}
}

// requestURL builds the endpoint URL. A configured endpoint already ending
// in a generate method suffix is used verbatim.
func (e *GeminiExecutor) requestURL(stream bool) string {
	endpoint := strings.TrimSpace(e.upstream.Endpoint)
	if endpoint != "" && (strings.HasSuffix(endpoint, ":streamGenerateContent") || strings.HasSuffix(endpoint, ":generateContent")) {
		if stream && strings.HasSuffix(endpoint, ":streamGenerateContent") {
			return endpoint + "?alt=sse"
		}
		return endpoint
	}
	base := strings.TrimSuffix(e.upstream.BaseURL, "/")
	if stream {
		return base + streamPath + "?alt=sse"
	}
	return base + generatePath
}

func (e *GeminiExecutor) newRequest(ctx context.Context, url string, envelope []byte) (*http.Request, error) {
	token, errToken := e.tokens.AccessToken(ctx)
	if errToken != nil {
		return nil, errToken
	}
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if e.upstream.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.upstream.UserAgent)
	}
	return httpReq, nil
}

// Execute performs a non-streaming generate call and returns the whole
// reply body.
func (e *GeminiExecutor) Execute(ctx context.Context, envelope []byte) ([]byte, error) {
	httpReq, errReq := e.newRequest(ctx, e.requestURL(false), envelope)
	if errReq != nil {
		return nil, errReq
	}

	started := time.Now()
	httpResp, errDo := e.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("upstream call: %w", errDo)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("upstream call: close response body error: %v", errClose)
		}
	}()

	bodyBytes, errRead := io.ReadAll(httpResp.Body)
	metrics.UpstreamLatency.WithLabelValues("false").Observe(time.Since(started).Seconds())
	if errRead != nil {
		return nil, fmt.Errorf("upstream call: read response: %w", errRead)
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{Code: httpResp.StatusCode, Body: bodyBytes}
	}
	return bodyBytes, nil
}

// ExecuteStream performs a streaming generate call. Each SSE data payload
// is delivered on the returned channel in arrival order; the channel is
// closed when the upstream body ends or ctx is cancelled. Sends block until
// the consumer reads, so downstream backpressure propagates to the upstream
// read loop.
func (e *GeminiExecutor) ExecuteStream(ctx context.Context, envelope []byte) (<-chan StreamChunk, error) {
	httpReq, errReq := e.newRequest(ctx, e.requestURL(true), envelope)
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	started := time.Now()
	httpResp, errDo := e.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("upstream call: %w", errDo)
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, &StatusError{Code: httpResp.StatusCode, Body: bodyBytes}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() {
			metrics.UpstreamLatency.WithLabelValues("true").Observe(time.Since(started).Seconds())
			if errClose := httpResp.Body.Close(); errClose != nil {
				log.Errorf("upstream stream: close response body error: %v", errClose)
			}
		}()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if len(payload) == 0 {
				continue
			}
			chunk := StreamChunk{Payload: append([]byte(nil), payload...)}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if errScan := scanner.Err(); errScan != nil && ctx.Err() == nil {
			select {
			case out <- StreamChunk{Err: fmt.Errorf("upstream stream: %w", errScan)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
