package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearKeyEnv keeps the developer's shell from leaking into the tests.
func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY", "FANCHAT_MODEL", "FANCHAT_ADDR"} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "fanchat", cfg.Name)
	assert.Equal(t, "gemini-3-flash-preview", cfg.LLM.Model)
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, "What is your request today?", cfg.Persona.Greeting)
	assert.Contains(t, cfg.Persona.Instruction, "Kisuke Urahara")
	assert.Equal(t, int64(10<<20), cfg.Gallery.MaxUploadBytes)
	assert.False(t, cfg.Logging.DebugMode)
	assert.True(t, cfg.Usage.Enabled)
	assert.Equal(t, ".fanchat/usage.json", cfg.Usage.File)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearKeyEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearKeyEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.Timeout = "45s"
	cfg.Persona.Greeting = "yo"
	cfg.Server.Addr = ":9000"
	cfg.Logging.Categories = map[string]bool{"web": false}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 45*time.Second, loaded.GetLLMTimeout())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearKeyEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gemini-2.5-flash\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, "120s", cfg.LLM.Timeout)
	assert.Equal(t, "Interference in the Dangai... I lost the signal.", cfg.Persona.FallbackText)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("API_KEY alone", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("API_KEY", "plain")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "plain", cfg.LLM.APIKey)
	})

	t.Run("GOOGLE_API_KEY beats API_KEY", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("API_KEY", "plain")
		t.Setenv("GOOGLE_API_KEY", "google")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "google", cfg.LLM.APIKey)
	})

	t.Run("GEMINI_API_KEY wins", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("API_KEY", "plain")
		t.Setenv("GOOGLE_API_KEY", "google")
		t.Setenv("GEMINI_API_KEY", "gem")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "gem", cfg.LLM.APIKey)
	})

	t.Run("file key kept when env empty", func(t *testing.T) {
		clearKeyEnv(t)
		cfg := &Config{LLM: LLMConfig{APIKey: "from-file"}}
		cfg.applyEnvOverrides()
		assert.Equal(t, "from-file", cfg.LLM.APIKey)
	})

	t.Run("model and addr", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("FANCHAT_MODEL", "gemini-2.5-pro")
		t.Setenv("FANCHAT_ADDR", "0.0.0.0:80")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
		assert.Equal(t, "0.0.0.0:80", cfg.Server.Addr)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "k"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.LLM.APIKey = "" }},
		{"empty model", func(c *Config) { c.LLM.Model = " " }},
		{"bad timeout", func(c *Config) { c.LLM.Timeout = "soon" }},
		{"zero upload limit", func(c *Config) { c.Gallery.MaxUploadBytes = 0 }},
		{"negative write rate", func(c *Config) { c.Server.WriteRate = -1 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown log category", func(c *Config) { c.Logging.Categories = map[string]bool{"kernel": true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.ErrorIs(t, (&Config{}).Validate(), ErrNoAPIKey)
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.GetLLMMinInterval())
	assert.Equal(t, 30*time.Second, cfg.GetCaptionTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetShutdownTimeout())
}

func TestSessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Timeout = "5s"
	cfg.Persona.Greeting = ""

	sc := cfg.SessionConfig()
	assert.Equal(t, 5*time.Second, sc.Timeout)
	assert.Empty(t, sc.Greeting)
	assert.Equal(t, cfg.Persona.Instruction, sc.Instruction)
	assert.Equal(t, cfg.Persona.FallbackText, sc.FallbackText)
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Format: "json", File: "chat.log", Categories: map[string]bool{"api": false}}

	got := lc.LoggerConfig(false)
	assert.False(t, got.DebugMode)
	assert.Equal(t, "warn", got.Level)
	assert.Equal(t, "chat.log", got.File)
	assert.Equal(t, map[string]bool{"api": false}, got.Categories)

	got = lc.LoggerConfig(true)
	assert.True(t, got.DebugMode)
	assert.Equal(t, "debug", got.Level)
}
