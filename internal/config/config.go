package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort         = 6274
	defaultChatPath     = "/v1/chat/completions/stream"
	defaultTokenPath    = "/v1/chat/token_info"
	defaultTimeout      = 10 * time.Minute
	defaultDialTimeout  = 10 * time.Second
	defaultDismissAfter = 8 * time.Second
	defaultChunkDelay   = 50 * time.Millisecond
)

// DefaultBaseURLs are used for providers configured without a base_url.
var DefaultBaseURLs = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"openai":    "https://api.openai.com",
}

// Config represents the application configuration parsed from YAML.
type Config struct {
	Model           string                    `yaml:"model"`
	Backend         BackendConfig             `yaml:"backend"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Logger          LoggerConfig              `yaml:"logger"`
	Notices         NoticesConfig             `yaml:"notices"`
	TokenAccounting TokenAccountingConfig     `yaml:"token_accounting"`
	Transcript      TranscriptConfig          `yaml:"transcript"`
	MockBackend     MockBackendConfig         `yaml:"mock_backend"`
}

// BackendConfig locates the local completion server. Timeout bounds the wait
// for response headers and each token info call; streamed bodies run until
// they end or the turn is cancelled.
type BackendConfig struct {
	ChatURL      string        `yaml:"chat_url"`
	TokenInfoURL string        `yaml:"token_info_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// ProviderConfig captures credentials and the models a provider serves.
type ProviderConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []ModelConfig     `yaml:"models"`
	Headers Headers           `yaml:"headers"`
	Aliases map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers forwarded to the provider.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoggerConfig selects log level, format and destination.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// NoticesConfig controls the user-facing error surface.
type NoticesConfig struct {
	DismissAfter time.Duration `yaml:"dismiss_after"`
}

// TokenAccountingConfig tunes the token-accounting side channel.
type TokenAccountingConfig struct {
	Disabled          bool          `yaml:"disabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxFailures       uint32        `yaml:"max_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// TranscriptConfig enables recording of raw stream frames. An empty path disables it.
type TranscriptConfig struct {
	Path string `yaml:"path"`
}

// MockBackendConfig configures the scripted backend.
type MockBackendConfig struct {
	Port       int           `yaml:"port"`
	Script     string        `yaml:"script"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// Load reads YAML configuration from disk, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MockBackend.Port == 0 {
		c.MockBackend.Port = DefaultPort
	}
	if c.MockBackend.ChunkDelay == 0 {
		c.MockBackend.ChunkDelay = defaultChunkDelay
	}

	local := fmt.Sprintf("http://localhost:%d", DefaultPort)
	if c.Backend.ChatURL == "" {
		c.Backend.ChatURL = local + defaultChatPath
	}
	if c.Backend.TokenInfoURL == "" {
		c.Backend.TokenInfoURL = local + defaultTokenPath
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = defaultTimeout
	}
	if c.Backend.DialTimeout == 0 {
		c.Backend.DialTimeout = defaultDialTimeout
	}
	if c.Notices.DismissAfter == 0 {
		c.Notices.DismissAfter = defaultDismissAfter
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}

	for name, provider := range c.Providers {
		provider.APIKey = strings.TrimSpace(os.ExpandEnv(provider.APIKey))
		if provider.BaseURL == "" {
			provider.BaseURL = DefaultBaseURLs[name]
		}
		c.Providers[name] = provider
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.MockBackend.Port <= 0 || c.MockBackend.Port > 65535 {
		return fmt.Errorf("mock_backend.port must be a valid TCP port, got %d", c.MockBackend.Port)
	}
	if err := validateURL("backend.chat_url", c.Backend.ChatURL); err != nil {
		return err
	}
	if err := validateURL("backend.token_info_url", c.Backend.TokenInfoURL); err != nil {
		return err
	}
	if c.Backend.Timeout < 0 || c.Backend.DialTimeout < 0 {
		return fmt.Errorf("backend timeouts must not be negative")
	}
	if c.TokenAccounting.RequestsPerSecond < 0 {
		return fmt.Errorf("token_accounting.requests_per_second must not be negative")
	}

	switch strings.ToLower(c.Logger.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logger.format %q must be one of %q or %q", c.Logger.Format, "text", "json")
	}

	for name, provider := range c.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", field, raw)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
