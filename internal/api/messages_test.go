package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cloudrelay/geminirelay/internal/auth/google"
	"github.com/cloudrelay/geminirelay/internal/config"
	"github.com/cloudrelay/geminirelay/internal/executor"
)

type fakeUpstream struct {
	mu        sync.Mutex
	envelopes [][]byte
	handler   http.HandlerFunc
}

func (f *fakeUpstream) lastEnvelope() gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envelopes) == 0 {
		return gjson.Result{}
	}
	return gjson.ParseBytes(f.envelopes[len(f.envelopes)-1])
}

func newTestServer(t *testing.T, upstream *fakeUpstream) *Server {
	t.Helper()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstream.mu.Lock()
		upstream.envelopes = append(upstream.envelopes, body)
		upstream.mu.Unlock()
		upstream.handler(w, r)
	}))
	t.Cleanup(upstreamSrv.Close)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	store := google.NewCredentialStore(t.TempDir())
	require.NoError(t, store.Save(&google.Credentials{
		ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh",
	}))
	tokens := google.NewManagerWithEndpoint(store, tokenSrv.URL)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:     upstreamSrv.URL,
			Project:     "test-project",
			UserAgent:   "geminirelay/1.0",
			RequestType: "agent",
		},
		Routing: config.RoutingConfig{
			Models:        map[string]string{"claude-opus-4-5-20251101": "claude-opus-4-5-thinking"},
			OpusTarget:    "gemini-3-pro-high",
			HaikuTarget:   "gemini-2.5-flash",
			DefaultTarget: "gemini-3-pro-preview",
		},
	}
	exec := executor.NewGeminiExecutor(cfg.Upstream, tokens)
	return NewServer(config.NewStore("", cfg), exec)
}

func sseBody(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestMessagesEndToEndRouting(t *testing.T) {
	upstream := &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}]}}`,
		)))
	}}
	srv := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-opus-4-5-20251101","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	envelope := upstream.lastEnvelope()
	require.Equal(t, "claude-opus-4-5-thinking", envelope.Get("model").String())
	require.Equal(t, "test-project", envelope.Get("project").String())
	require.Equal(t, 1, int(envelope.Get("request.contents.#").Int()))
	require.Equal(t, "user", envelope.Get("request.contents.0.role").String())
	require.Equal(t, "hi", envelope.Get("request.contents.0.parts.0.text").String())

	body := rec.Body.String()
	require.Contains(t, body, "event: message_start")
	require.Contains(t, body, `"model":"claude-opus-4-5-20251101"`)
	require.Contains(t, body, `"text":"hello"`)
	require.Contains(t, body, "event: message_stop")
}

func TestMessagesNonStreaming(t *testing.T) {
	upstream := &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:generateContent", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hey"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}`))
	}}
	srv := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result := gjson.Parse(rec.Body.String())
	require.Equal(t, "claude-sonnet-4-6", result.Get("model").String())
	require.Equal(t, "hey", result.Get("choices.0.message.content").String())
	require.Equal(t, "stop", result.Get("choices.0.finish_reason").String())
	require.Equal(t, int64(3), result.Get("usage.total_tokens").Int())

	envelope := upstream.lastEnvelope()
	require.Equal(t, "gemini-3-pro-preview", envelope.Get("model").String())
}

func TestMessagesUpstreamErrorRelayedVerbatim(t *testing.T) {
	upstream := &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`))
	}}
	srv := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.JSONEq(t, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`, rec.Body.String())
}

func TestMessagesInvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {}})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestMessagesWebSearchPipeline(t *testing.T) {
	upstream := &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"response":{"candidates":[{"content":{"parts":[{"text":"Results say hi."}]},"groundingMetadata":{"webSearchQueries":["hi news"],"groundingChunks":[{"web":{"uri":"https://example.com","title":"Example"}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}}`,
		)))
	}}
	srv := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-6","stream":true,"messages":[{"role":"user","content":"hi news"}],"tools":[{"type":"web_search_20250305","name":"web_search"}]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	envelope := upstream.lastEnvelope()
	require.True(t, envelope.Get("request.tools.0.googleSearch").Exists())
	require.Equal(t, int64(1), envelope.Get("request.generationConfig.candidateCount").Int())

	body := rec.Body.String()
	require.Contains(t, body, `"type":"server_tool_use"`)
	require.Contains(t, body, `"type":"web_search_tool_result"`)
	require.Contains(t, body, "event: message_stop")
}

func TestMessagesAuthErrorSurface(t *testing.T) {
	upstream := &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {}}
	srv := newTestServer(t, upstream)

	// Replace the executor's token source with an empty store.
	tokens := google.NewManager(google.NewCredentialStore(t.TempDir()))
	srv.exec = executor.NewGeminiExecutor(srv.cfg.Get().Upstream, tokens)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "authentication_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeUpstream{handler: func(w http.ResponseWriter, r *http.Request) {}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}
