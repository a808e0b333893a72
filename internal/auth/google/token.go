package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cloudrelay/geminirelay/internal/metrics"
)

const (
	// googleTokenEndpoint is the standard OAuth2 token endpoint.
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"

	// refreshSkew is the safety margin before expiry at which a cached
	// access token is no longer considered usable.
	refreshSkew = 5 * time.Minute
)

// tokenResponse is the JSON body of a token endpoint response.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Manager guarantees callers a valid, non-expired access token, refreshing
// through the provider's token endpoint when needed. Concurrent callers
// observing an expired token share a single in-flight refresh.
type Manager struct {
	store      *CredentialStore
	httpClient *http.Client
	endpoint   string

	group singleflight.Group

	mu           sync.RWMutex
	cachedToken  string
	cachedExpiry time.Time
}

// NewManager creates a token manager over the given credential store.
func NewManager(store *CredentialStore) *Manager {
	return NewManagerWithEndpoint(store, googleTokenEndpoint)
}

// NewManagerWithEndpoint creates a token manager refreshing against a
// non-default token endpoint.
func NewManagerWithEndpoint(store *CredentialStore, endpoint string) *Manager {
	return &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
	}
}

// AccessToken returns a usable access token, refreshing if the cached one is
// absent or within the safety margin of expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expiry := m.cachedToken, m.cachedExpiry
	m.mu.RUnlock()
	if token != "" && time.Now().Add(refreshSkew).Before(expiry) {
		return token, nil
	}

	// Single-flight: concurrent callers await one refresh POST. The POST
	// runs detached from the first caller's context so one disconnecting
	// client cannot fail every waiter; the HTTP client timeout still
	// bounds it.
	result, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.RLock()
		token, expiry := m.cachedToken, m.cachedExpiry
		m.mu.RUnlock()
		if token != "" && time.Now().Add(refreshSkew).Before(expiry) {
			return token, nil
		}
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token, forcing the next caller to refresh.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cachedToken = ""
	m.cachedExpiry = time.Time{}
	m.mu.Unlock()
}

// refresh performs one refresh_token grant and persists the updated
// credentials on success.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	creds, errLoad := m.store.Load()
	if errLoad != nil {
		return "", errLoad
	}
	if creds == nil || strings.TrimSpace(creds.RefreshToken) == "" {
		return "", ErrNotAuthenticated
	}

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, strings.NewReader(form.Encode()))
	if errReq != nil {
		return "", errReq
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, errDo := m.httpClient.Do(httpReq)
	if errDo != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token refresh: %w", errDo)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("token refresh: close response body error: %v", errClose)
		}
	}()

	bodyBytes, errRead := io.ReadAll(httpResp.Body)
	if errRead != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token refresh: read response: %w", errRead)
	}

	var tokenResp tokenResponse
	if errUnmarshal := json.Unmarshal(bodyBytes, &tokenResp); errUnmarshal != nil && httpResp.StatusCode >= http.StatusOK && httpResp.StatusCode < http.StatusMultipleChoices {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token refresh: parse response: %w", errUnmarshal)
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		if isRevokedResponse(tokenResp, bodyBytes) {
			m.Invalidate()
			metrics.TokenRefreshesTotal.WithLabelValues("revoked").Inc()
			log.Warn("token refresh: refresh token revoked; interactive login required")
			return "", ErrCredentialsRevoked
		}
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token refresh: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if tokenResp.AccessToken == "" {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token refresh: empty access token in response")
	}

	expiry := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	m.mu.Lock()
	m.cachedToken = tokenResp.AccessToken
	m.cachedExpiry = expiry
	m.mu.Unlock()

	creds.AccessToken = tokenResp.AccessToken
	creds.Expiry = expiry.Format(time.RFC3339)
	if tokenResp.RefreshToken != "" {
		creds.RefreshToken = tokenResp.RefreshToken
	}
	if errSave := m.store.Save(creds); errSave != nil {
		// Persist failures are non-fatal for the current request; the
		// refreshed token is already cached in memory.
		log.Warnf("token refresh: persist credentials failed: %v", errSave)
	}

	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	log.Debugf("token refresh: new access token valid until %s", creds.Expiry)
	return tokenResp.AccessToken, nil
}

func isRevokedResponse(tokenResp tokenResponse, body []byte) bool {
	if tokenResp.Error == "invalid_grant" {
		return true
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "revoked")
}
