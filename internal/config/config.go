package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen        = "127.0.0.1:3000"
	DefaultModel         = "o3"
	DefaultKeyPrefix     = "chatbot/upload/"
	DefaultExpirySeconds = 300
)

// Config is the on-disk configuration for the visionchat backend.
//
// NOTE: Secrets (provider API keys, AWS credentials) never live here; they
// come from the environment.
type Config struct {
	// Listen is the backend bind address. Defaults to DefaultListen.
	Listen string `yaml:"listen,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Provider Provider `yaml:"provider"`
	Upload   Upload   `yaml:"upload"`
}

// Provider selects the hosted model behind the chat proxy.
type Provider struct {
	// Type is one of: "openai" | "openai_compatible" | "anthropic".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	// Model pins the model server-side; the client cannot override it.
	// Defaults to DefaultModel.
	Model string `yaml:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per provider type (OPENAI_API_KEY / ANTHROPIC_API_KEY).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// Upload configures presigned-URL issuing for attachment uploads.
type Upload struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region,omitempty"`

	// KeyPrefix prefixes every object key. Defaults to DefaultKeyPrefix.
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// ExpirySeconds is the presigned-URL validity window.
	// Defaults to DefaultExpirySeconds.
	ExpirySeconds int `yaml:"expiry_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "openai", "anthropic":
	case "openai_compatible":
		if strings.TrimSpace(c.Provider.BaseURL) == "" {
			return errors.New("provider.base_url is required for openai_compatible")
		}
	case "":
		return errors.New("missing provider.type")
	default:
		return fmt.Errorf("unsupported provider.type %q", c.Provider.Type)
	}
	if strings.TrimSpace(c.Upload.Bucket) == "" {
		return errors.New("missing upload.bucket")
	}
	if c.Upload.ExpirySeconds < 0 {
		return errors.New("upload.expiry_seconds must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log_format %q", c.LogFormat)
	}
	return nil
}

// ListenAddr returns the bind address with the default applied.
func (c *Config) ListenAddr() string {
	if addr := strings.TrimSpace(c.Listen); addr != "" {
		return addr
	}
	return DefaultListen
}

// ModelID returns the configured model id with the default applied.
func (p Provider) ModelID() string {
	if m := strings.TrimSpace(p.Model); m != "" {
		return m
	}
	return DefaultModel
}

// APIKeyName returns the environment variable carrying the provider key.
func (p Provider) APIKeyName() string {
	if name := strings.TrimSpace(p.APIKeyEnv); name != "" {
		return name
	}
	if strings.ToLower(strings.TrimSpace(p.Type)) == "anthropic" {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// Prefix returns the object key prefix with the default applied.
func (u Upload) Prefix() string {
	if p := strings.TrimSpace(u.KeyPrefix); p != "" {
		return p
	}
	return DefaultKeyPrefix
}

// Expiry returns the presigned-URL validity window.
func (u Upload) Expiry() time.Duration {
	if u.ExpirySeconds > 0 {
		return time.Duration(u.ExpirySeconds) * time.Second
	}
	return DefaultExpirySeconds * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.visionchat/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "visionchat.config.yaml"
	}
	return filepath.Join(home, ".visionchat", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
