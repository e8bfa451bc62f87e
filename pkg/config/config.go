// Package config loads the proxy's YAML configuration: graph location,
// transport selection, session limits, metadata policy, and per-backend
// defaults. Every string value supports ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/transport"
)

// Config is the root configuration document.
type Config struct {
	Graph     GraphConfig    `yaml:"graph"`
	Transport Framing        `yaml:"transport"`
	Sessions  SessionsConfig `yaml:"sessions"`
	Meta      MetaConfig     `yaml:"meta"`
	Backends  BackendsConfig `yaml:"backends"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// GraphConfig locates the graph file and controls hot reload.
type GraphConfig struct {
	Path      string        `yaml:"path"`
	EntryNode string        `yaml:"entryNode,omitempty"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce,omitempty"`
}

// Framing selects and configures the client-facing transport.
type Framing struct {
	Kind string `yaml:"kind"`
	Addr string `yaml:"addr,omitempty"`

	// DisableCORS turns off the permissive CORS headers on HTTP.
	DisableCORS bool `yaml:"disableCors,omitempty"`

	// RequestTimeout is the per-request hard upper bound.
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
}

// SessionsConfig sizes the session repository.
type SessionsConfig struct {
	// Store is "memory" or a SQL dialect: "sqlite", "postgres", "mysql".
	Store string `yaml:"store"`

	// DSN is the database source name for SQL stores.
	DSN string `yaml:"dsn,omitempty"`

	MaxSessions     int           `yaml:"maxSessions,omitempty"`
	TTL             time.Duration `yaml:"ttl,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanupInterval,omitempty"`
}

// MetaConfig sets the process-wide _meta validation policy.
type MetaConfig struct {
	Policy string `yaml:"policy"`
}

// BackendConfig carries per-backend defaults consumed by translator and
// client node configs that do not set their own.
type BackendConfig struct {
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"maxTokens,omitempty"`
	BaseURL   string `yaml:"baseUrl,omitempty"`
	APIKey    string `yaml:"apiKey,omitempty"`
}

// BackendsConfig groups the per-backend defaults.
type BackendsConfig struct {
	Anthropic BackendConfig `yaml:"anthropic,omitempty"`
	OpenAI    BackendConfig `yaml:"openai,omitempty"`
	Ollama    BackendConfig `yaml:"ollama,omitempty"`
	Pi        PiConfig      `yaml:"pi,omitempty"`
}

// PiConfig configures the Pi CLI backend.
type PiConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	WorkDir string   `yaml:"workDir,omitempty"`
}

// LoggingConfig selects log level, format, and destination.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// Framing kinds.
const (
	FramingStdio = "stdio"
	FramingHTTP  = "http"
	FramingPi    = "pi"
)

// Default creates a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Graph.Path == "" {
		c.Graph.Path = "graph.json"
	}
	if c.Graph.Debounce == 0 {
		c.Graph.Debounce = 500 * time.Millisecond
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = FramingStdio
	}
	if c.Transport.Addr == "" {
		c.Transport.Addr = transport.DefaultHTTPAddr
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = transport.DefaultRequestTimeout
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "memory"
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = 1000
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 60 * time.Second
	}
	if c.Meta.Policy == "" {
		c.Meta.Policy = "permissive"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case FramingStdio, FramingHTTP, FramingPi:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Sessions.Store {
	case "memory", "sqlite", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unknown session store %q", c.Sessions.Store)
	}
	if c.Sessions.Store != "memory" && c.Sessions.DSN == "" {
		return fmt.Errorf("session store %q requires a dsn", c.Sessions.Store)
	}
	if _, err := meta.ParsePolicy(c.Meta.Policy); err != nil {
		return err
	}
	return nil
}

// Load reads, expands, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated configuration. Environment
// references are expanded before decoding so typed fields can come from
// ${VAR} values.
func Parse(data []byte) (*Config, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded := ExpandEnvInData(raw)

	out, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
