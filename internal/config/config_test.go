package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, defaultPort, cfg.Port)
	require.Equal(t, defaultBaseURL, cfg.Upstream.BaseURL)
	require.Equal(t, defaultCallbackPort, cfg.OAuth.CallbackPort)
	require.Equal(t, defaultOpusTarget, cfg.Routing.OpusTarget)
	require.NotEmpty(t, cfg.AuthDir)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
port: 9000
upstream:
  base-url: https://example.googleapis.com
  project: my-project
routing:
  models:
    claude-opus-4-5-20251101: claude-opus-4-5-thinking
  default-target: gemini-3-pro-preview
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "https://example.googleapis.com", cfg.Upstream.BaseURL)
	require.Equal(t, "my-project", cfg.Upstream.Project)
	require.Equal(t, "claude-opus-4-5-thinking", cfg.Routing.Models["claude-opus-4-5-20251101"])
	// Unset fields still fall back to defaults.
	require.Equal(t, defaultUserAgent, cfg.Upstream.UserAgent)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [broken"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestStoreGetReturnsLoadedConfig(t *testing.T) {
	cfg := &Config{Port: 1234}
	store := NewStore("/tmp/none.yaml", cfg)
	require.Same(t, cfg, store.Get())
}
