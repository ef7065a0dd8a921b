package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 2, cfg.Kernel.MaxRetries)
	assert.Equal(t, "anthropic", cfg.AI.Provider)
	assert.Equal(t, "docker", cfg.Docker.Binary)
	assert.Equal(t, "kubectl", cfg.Kube.Binary)
	assert.True(t, cfg.Policy.Watch)
	assert.False(t, cfg.Session.Janitor.Enabled)
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Session.SQLitePath)
}

func TestLoader_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caravel.json")
	content := `{
		"server": {"port": 9000, "token": "secret"},
		"session": {"backend": "sqlite"},
		"kernel": {"max_retries": 3, "retry_delay": "250ms"},
		"ai": {"provider": "openai", "openai_api_key": "sk-test"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "sqlite", cfg.Session.Backend)
	assert.Equal(t, 3, cfg.Kernel.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Kernel.RetryDelayDuration())
	assert.Equal(t, "openai", cfg.AI.Provider)

	// Unset fields keep defaults
	assert.Equal(t, "docker", cfg.Docker.Binary)
	assert.Equal(t, 30*time.Second, cfg.Server.TickIntervalDuration())
}

func TestLoader_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caravel.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvironmentFallbacks(t *testing.T) {
	t.Setenv("CARAVEL_SERVER_TOKEN", "env-token")
	t.Setenv("CARAVEL_ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Server.Token)
	assert.Equal(t, "sk-ant-env", cfg.AI.AnthropicAPIKey)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caravel.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Server.Token = "saved"
	cfg.DataDir = t.TempDir()
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
	assert.Equal(t, "saved", loaded.Server.Token)
}

func TestDurationFallbacks(t *testing.T) {
	k := KernelConfig{RetryDelay: "garbage", MaxExecutionTime: ""}
	assert.Equal(t, time.Second, k.RetryDelayDuration())
	assert.Equal(t, 10*time.Minute, k.MaxExecutionDuration())

	j := JanitorConfig{MaxAge: "-5m"}
	assert.Equal(t, 24*time.Hour, j.MaxAgeDuration())
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	valid := DefaultConfig()
	valid.Server.Token = "tok"
	valid.AI.AnthropicAPIKey = "sk-ant-abc"
	assert.NoError(t, v.Validate(valid))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing token", func(c *Config) { c.Server.Token = "" }},
		{"bad backend", func(c *Config) { c.Session.Backend = "redis" }},
		{"bad provider", func(c *Config) { c.AI.Provider = "gemini" }},
		{"bad anthropic key", func(c *Config) { c.AI.AnthropicAPIKey = "nope" }},
		{"zero retries", func(c *Config) { c.Kernel.MaxRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Token = "tok"
			cfg.AI.AnthropicAPIKey = "sk-ant-abc"
			tt.mutate(cfg)
			assert.Error(t, v.Validate(cfg))
		})
	}
}

func TestValidator_ProviderNone(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Server.Token = "tok"
	cfg.AI.Provider = "none"
	assert.NoError(t, v.Validate(cfg))
}
