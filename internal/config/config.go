package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fanchat/internal/session"
)

// DefaultPath is where fanchat looks for its config when --config is unset.
const DefaultPath = ".fanchat/config.yaml"

// Config holds all fanchat configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Generative-language API
	LLM LLMConfig `yaml:"llm"`

	// Persona text seeded into every chat session
	Persona PersonaConfig `yaml:"persona"`

	// Terminal chat rendering
	Chat ChatConfig `yaml:"chat"`

	// Admin uploads and site identity
	Gallery GalleryConfig `yaml:"gallery"`

	// HTTP + websocket surface
	Server ServerConfig `yaml:"server"`

	// Token accounting
	Usage UsageConfig `yaml:"usage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// UsageConfig configures token accounting.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// ChatConfig configures the terminal chat.
type ChatConfig struct {
	RenderMarkdown bool `yaml:"render_markdown"`
	ShowTimestamps bool `yaml:"show_timestamps"`
}

// GalleryConfig configures admin uploads.
type GalleryConfig struct {
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	Captions       bool   `yaml:"captions"`
	CaptionTimeout string `yaml:"caption_timeout"`
}

// ServerConfig configures `fanchat serve`.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	ShutdownTimeout string  `yaml:"shutdown_timeout"`
	WriteRate       float64 `yaml:"write_rate"`  // websocket frames per second per connection
	WriteBurst      int     `yaml:"write_burst"` // frames allowed in one burst
	ReadLimit       int64   `yaml:"read_limit"`  // largest inbound websocket frame in bytes
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	persona := session.DefaultConfig()
	return &Config{
		Name: "fanchat",

		LLM: LLMConfig{
			Model:       "gemini-3-flash-preview",
			Timeout:     "120s",
			Temperature: 1.0,
			MinInterval: "100ms",
		},

		Persona: PersonaConfig{
			Instruction:  persona.Instruction,
			Greeting:     persona.Greeting,
			FallbackText: persona.FallbackText,
		},

		Chat: ChatConfig{
			RenderMarkdown: true,
		},

		Gallery: GalleryConfig{
			MaxUploadBytes: 10 << 20,
			Captions:       true,
			CaptionTimeout: "30s",
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ShutdownTimeout: "10s",
			WriteRate:       50,
			WriteBurst:      20,
			ReadLimit:       64 << 10,
		},

		Usage: UsageConfig{
			Enabled: true,
			File:    ".fanchat/usage.json",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			File:      ".fanchat/logs/fanchat.log",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// API key from environment, lowest priority first
	for _, name := range []string{"API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			c.LLM.APIKey = key
		}
	}

	if model := os.Getenv("FANCHAT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if addr := os.Getenv("FANCHAT_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetLLMMinInterval returns the minimum spacing between API requests.
func (c *Config) GetLLMMinInterval() time.Duration {
	d, err := time.ParseDuration(c.LLM.MinInterval)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetCaptionTimeout returns the per-caption budget as a duration.
func (c *Config) GetCaptionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gallery.CaptionTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ErrNoAPIKey is returned by Validate when no key is configured.
var ErrNoAPIKey = errors.New("API key not configured (set GEMINI_API_KEY, GOOGLE_API_KEY or API_KEY)")

// ValidLogFormats lists the supported log encodings.
var ValidLogFormats = []string{"json", "console"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return ErrNoAPIKey
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("invalid llm.timeout %q: %w", c.LLM.Timeout, err)
	}
	if c.Gallery.MaxUploadBytes <= 0 {
		return fmt.Errorf("gallery.max_upload_bytes must be positive, got %d", c.Gallery.MaxUploadBytes)
	}
	if c.Server.WriteRate < 0 || c.Server.WriteBurst < 0 {
		return fmt.Errorf("server.write_rate and server.write_burst must not be negative")
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}

	return nil
}

// SessionConfig returns the send-protocol settings for one chat page view.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Instruction:  c.Persona.Instruction,
		Greeting:     c.Persona.Greeting,
		FallbackText: c.Persona.FallbackText,
		Timeout:      c.GetLLMTimeout(),
	}
}
