package google

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudrelay/geminirelay/internal/browser"
)

const googleAuthEndpoint = "https://accounts.google.com/o/oauth2/v2/auth"

// loginTimeout bounds the whole interactive flow.
const loginTimeout = 5 * time.Minute

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// LoginOptions controls the interactive authorization flow.
type LoginOptions struct {
	ClientID     string
	ClientSecret string
	// CallbackPort is the local port the flow listens on for the redirect.
	CallbackPort int
	// NoBrowser prints the authorization URL instead of opening a browser.
	NoBrowser bool
}

type callbackResult struct {
	Code  string
	Error string
	State string
}

// Login runs the one-shot interactive OAuth flow: it starts a local callback
// listener, opens the provider's consent page, exchanges the returned code
// for tokens, and persists the resulting credentials. It is invoked
// out-of-band (CLI), never from a request path. The listener is closed on
// every exit path.
func Login(ctx context.Context, store *CredentialStore, opts LoginOptions) (*Credentials, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, fmt.Errorf("login: client id and secret are required")
	}

	state, errState := randomState()
	if errState != nil {
		return nil, fmt.Errorf("login: generate state: %w", errState)
	}

	srv, port, cbChan, errServer := startCallbackServer(opts.CallbackPort)
	if errServer != nil {
		return nil, errServer
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	redirectURI := fmt.Sprintf("http://localhost:%d/oauth-callback", port)
	authURL := buildAuthURL(opts.ClientID, redirectURI, state)

	if opts.NoBrowser || !browser.IsAvailable() {
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	} else if errOpen := browser.OpenURL(authURL); errOpen != nil {
		log.Warnf("login: failed to open browser: %v", errOpen)
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	} else {
		fmt.Println("Opening browser for authentication")
	}
	fmt.Println("Waiting for authentication callback...")

	timeoutTimer := time.NewTimer(loginTimeout)
	defer timeoutTimer.Stop()

	var cbRes callbackResult
	select {
	case res := <-cbChan:
		cbRes = res
	case <-timeoutTimer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if cbRes.Error != "" {
		return nil, fmt.Errorf("login: authorization failed: %s", cbRes.Error)
	}
	if cbRes.State != state {
		return nil, fmt.Errorf("login: state mismatch")
	}
	if cbRes.Code == "" {
		return nil, fmt.Errorf("login: missing authorization code")
	}

	tokenResp, errExchange := exchangeCode(ctx, opts, cbRes.Code, redirectURI)
	if errExchange != nil {
		return nil, fmt.Errorf("login: token exchange failed: %w", errExchange)
	}
	if tokenResp.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	creds := &Credentials{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RefreshToken: tokenResp.RefreshToken,
		AccessToken:  tokenResp.AccessToken,
		Expiry:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Format(time.RFC3339),
		RedirectURI:  redirectURI,
	}
	if errSave := store.Save(creds); errSave != nil {
		return nil, errSave
	}

	fmt.Println("Authentication successful")
	return creds, nil
}

func startCallbackServer(port int) (*http.Server, int, <-chan callbackResult, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, nil, fmt.Errorf("%w: port %d", ErrPortInUse, port)
		}
		return nil, 0, nil, err
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := callbackResult{
			Code:  strings.TrimSpace(q.Get("code")),
			Error: strings.TrimSpace(q.Get("error")),
			State: strings.TrimSpace(q.Get("state")),
		}
		resultCh <- res
		if res.Code != "" && res.Error == "" {
			_, _ = w.Write([]byte("<h1>Login successful</h1><p>You can close this window.</p>"))
		} else {
			_, _ = w.Write([]byte("<h1>Login failed</h1><p>Please check the CLI output.</p>"))
		}
	})

	srv := &http.Server{Addr: listener.Addr().String(), Handler: mux}
	go func() {
		if errServe := srv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Warnf("login: callback server error: %v", errServe)
		}
	}()

	return srv, boundPort, resultCh, nil
}

func buildAuthURL(clientID, redirectURI, state string) string {
	params := url.Values{}
	params.Set("access_type", "offline")
	params.Set("client_id", clientID)
	params.Set("prompt", "consent")
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(oauthScopes, " "))
	params.Set("state", state)
	return googleAuthEndpoint + "?" + params.Encode()
}

func exchangeCode(ctx context.Context, opts LoginOptions, code, redirectURI string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", opts.ClientID)
	form.Set("client_secret", opts.ClientSecret)
	form.Set("redirect_uri", redirectURI)
	form.Set("grant_type", "authorization_code")

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenEndpoint, strings.NewReader(form.Encode()))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	httpResp, errDo := httpClient.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("login: close token response body error: %v", errClose)
		}
	}()

	bodyBytes, errRead := io.ReadAll(httpResp.Body)
	if errRead != nil {
		return nil, errRead
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var tokenResp tokenResponse
	if errUnmarshal := json.Unmarshal(bodyBytes, &tokenResp); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	return &tokenResp, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
