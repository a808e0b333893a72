// Package google implements the OAuth credential lifecycle for the upstream
// provider: durable credential storage, access token refresh with a
// single-flight guarantee, and the interactive browser login flow.
package google

import "errors"

var (
	// ErrNotAuthenticated indicates no refresh token is available; the
	// interactive login flow must be completed first.
	ErrNotAuthenticated = errors.New("not authenticated: run the login flow first")

	// ErrCredentialsRevoked indicates the provider rejected the refresh
	// token; re-authentication is required.
	ErrCredentialsRevoked = errors.New("credentials revoked: re-authentication required")

	// ErrNoRefreshToken indicates the code exchange succeeded but the
	// provider returned no refresh token. The usual cause is a prior
	// consent grant; revoke access in the account settings and retry.
	ErrNoRefreshToken = errors.New("no refresh token returned: revoke the app's access and log in again")

	// ErrPortInUse indicates the OAuth callback port is already taken.
	ErrPortInUse = errors.New("oauth callback port already in use")

	// ErrTimeout indicates the login flow did not complete in time.
	ErrTimeout = errors.New("authentication timed out")
)
