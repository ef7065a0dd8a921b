package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the configuration for values the server cannot start with.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Token == "" {
		return fmt.Errorf("server token cannot be empty (set server.token or CARAVEL_SERVER_TOKEN)")
	}

	if err := v.ValidateSessionBackend(cfg.Session.Backend); err != nil {
		return err
	}

	if err := v.ValidateProvider(cfg.AI.Provider); err != nil {
		return err
	}

	switch cfg.AI.Provider {
	case "anthropic":
		if err := v.ValidateAPIKey(cfg.AI.AnthropicAPIKey, "anthropic"); err != nil {
			return err
		}
	case "openai":
		if err := v.ValidateAPIKey(cfg.AI.OpenAIAPIKey, "openai"); err != nil {
			return err
		}
	}

	if cfg.Kernel.MaxRetries < 1 {
		return fmt.Errorf("kernel max_retries must be at least 1, got %d", cfg.Kernel.MaxRetries)
	}

	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates a generation provider name
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai", "none", "":
		return nil
	}
	return fmt.Errorf("unknown AI provider %q (expected anthropic, openai, or none)", provider)
}

// ValidateSessionBackend validates a session store backend name
func (v *Validator) ValidateSessionBackend(backend string) error {
	switch backend {
	case "memory", "sqlite", "":
		return nil
	}
	return fmt.Errorf("unknown session backend %q (expected memory or sqlite)", backend)
}
