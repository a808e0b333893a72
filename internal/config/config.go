// Package config defines the application configuration for GeminiRelay and
// the logic to load and hot-reload it from a YAML file. The configuration
// carries the upstream endpoint settings, the OAuth callback port, and the
// model mapping table consumed by the router.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure loaded from the YAML file.
type Config struct {
	// Host is the address the HTTP server binds to.
	Host string `yaml:"host"`
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`
	// AuthDir is the directory where OAuth credentials are persisted.
	AuthDir string `yaml:"auth-dir"`
	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `yaml:"log-file"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// Upstream configures the Gemini-style provider endpoint.
	Upstream UpstreamConfig `yaml:"upstream"`
	// OAuth configures the interactive login flow.
	OAuth OAuthConfig `yaml:"oauth"`
	// Routing configures model name resolution.
	Routing RoutingConfig `yaml:"routing"`
}

// UpstreamConfig describes the upstream provider endpoint and the envelope
// fields stamped onto every outbound request.
type UpstreamConfig struct {
	// BaseURL is the provider base URL; the generate/stream paths are
	// appended to it unless Endpoint is set.
	BaseURL string `yaml:"base-url"`
	// Endpoint, when it already ends in a generate/stream method suffix,
	// is used verbatim instead of being constructed from BaseURL.
	Endpoint string `yaml:"endpoint"`
	// Project is the cloud project identifier placed in the envelope.
	Project string `yaml:"project"`
	// UserAgent is the envelope userAgent field and outbound UA header.
	UserAgent string `yaml:"user-agent"`
	// RequestType is the envelope requestType field.
	RequestType string `yaml:"request-type"`
}

// OAuthConfig carries the client credentials and callback settings for the
// interactive authorization flow.
type OAuthConfig struct {
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	// CallbackPort is the local port the login flow listens on.
	CallbackPort int `yaml:"callback-port"`
}

// RoutingConfig holds the model mapping table and the substring fallback
// targets applied when an exact lookup misses.
type RoutingConfig struct {
	// Models maps a requested model name to the upstream model identifier.
	Models map[string]string `yaml:"models"`
	// OpusTarget is used when the requested model contains "opus".
	OpusTarget string `yaml:"opus-target"`
	// HaikuTarget is used when the requested model contains "haiku".
	HaikuTarget string `yaml:"haiku-target"`
	// DefaultTarget is used for everything else (the sonnet family).
	DefaultTarget string `yaml:"default-target"`
}

const (
	defaultPort          = 8317
	defaultCallbackPort  = 51121
	defaultBaseURL       = "https://cloudcode-pa.googleapis.com"
	defaultUserAgent     = "geminirelay/1.0"
	defaultRequestType   = "agent"
	defaultOpusTarget    = "gemini-3-pro-high"
	defaultHaikuTarget   = "gemini-2.5-flash"
	defaultDefaultTarget = "gemini-3-pro-preview"
)

// LoadConfig reads the configuration file and applies defaults for fields
// left unset. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			home = "."
		}
		c.AuthDir = filepath.Join(home, ".geminirelay")
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		c.Upstream.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.Upstream.UserAgent) == "" {
		c.Upstream.UserAgent = defaultUserAgent
	}
	if strings.TrimSpace(c.Upstream.RequestType) == "" {
		c.Upstream.RequestType = defaultRequestType
	}
	if c.OAuth.CallbackPort == 0 {
		c.OAuth.CallbackPort = defaultCallbackPort
	}
	if strings.TrimSpace(c.Routing.OpusTarget) == "" {
		c.Routing.OpusTarget = defaultOpusTarget
	}
	if strings.TrimSpace(c.Routing.HaikuTarget) == "" {
		c.Routing.HaikuTarget = defaultHaikuTarget
	}
	if strings.TrimSpace(c.Routing.DefaultTarget) == "" {
		c.Routing.DefaultTarget = defaultDefaultTarget
	}
}

// Store holds the active configuration and swaps it atomically when the
// file changes on disk. Readers call Get; the watcher goroutine is the only
// writer after startup.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewStore wraps an already-loaded configuration.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch reloads the configuration whenever the file is written. It returns
// the watcher so the caller can close it on shutdown.
func (s *Store) Watch() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if errAdd := watcher.Add(dir); errAdd != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, errAdd)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, errLoad := LoadConfig(s.path)
				if errLoad != nil {
					log.Warnf("config: reload failed, keeping previous config: %v", errLoad)
					continue
				}
				s.mu.Lock()
				s.cfg = cfg
				s.mu.Unlock()
				log.Infof("config: reloaded %s", s.path)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config: watcher error: %v", errWatch)
			}
		}
	}()

	return watcher, nil
}
