package google

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const credentialsFileName = "google-oauth.json"

// Credentials is the durable OAuth credential record persisted to disk.
// It is created by the login flow and updated on every token refresh.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
	// Expiry is the RFC3339 expiry of AccessToken.
	Expiry      string `json:"expiry,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// ExpiryTime parses the stored expiry; zero time when absent or invalid.
func (c *Credentials) ExpiryTime() time.Time {
	if c == nil || c.Expiry == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, c.Expiry)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// CredentialStore persists Credentials to a single well-known file inside
// the auth directory.
type CredentialStore struct {
	dir string
}

// NewCredentialStore creates a store rooted at dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

// Path returns the credentials file path.
func (s *CredentialStore) Path() string {
	return filepath.Join(s.dir, credentialsFileName)
}

// Load reads the persisted credentials. A missing file yields (nil, nil).
func (s *CredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential store: read %s: %w", s.Path(), err)
	}
	var creds Credentials
	if errUnmarshal := json.Unmarshal(data, &creds); errUnmarshal != nil {
		return nil, fmt.Errorf("credential store: parse %s: %w", s.Path(), errUnmarshal)
	}
	return &creds, nil
}

// Save writes the credentials, creating the auth directory on first use.
func (s *CredentialStore) Save(creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("credential store: nil credentials")
	}
	if errMkdir := os.MkdirAll(s.dir, 0o700); errMkdir != nil {
		return fmt.Errorf("credential store: create %s: %w", s.dir, errMkdir)
	}
	data, errMarshal := json.MarshalIndent(creds, "", "  ")
	if errMarshal != nil {
		return fmt.Errorf("credential store: marshal: %w", errMarshal)
	}
	if errWrite := os.WriteFile(s.Path(), data, 0o600); errWrite != nil {
		return fmt.Errorf("credential store: write %s: %w", s.Path(), errWrite)
	}
	return nil
}
