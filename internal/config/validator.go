package config

import (
	"fmt"
)

// Validate checks the configuration for values the daemon cannot start
// with.
func Validate(cfg *Config) error {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AI.AnthropicAPIKey == "" {
			return fmt.Errorf("ai.anthropic_api_key is required for the anthropic provider")
		}
	case "openai":
		if cfg.AI.OpenAIAPIKey == "" {
			return fmt.Errorf("ai.openai_api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown provider: %q (want anthropic or openai)", cfg.Provider)
	}

	if cfg.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if cfg.AI.MaxTokens < 0 {
		return fmt.Errorf("ai.max_tokens cannot be negative")
	}
	if cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be between 0 and 2")
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			return fmt.Errorf("gateway.port must be between 1 and 65535")
		}
		if cfg.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway.shared_secret is required when the gateway is enabled")
		}
	}

	if cfg.Journal.DebounceMS < 0 {
		return fmt.Errorf("journal.debounce_ms cannot be negative")
	}
	if cfg.Journal.RetentionDays < 0 {
		return fmt.Errorf("journal.retention_days cannot be negative")
	}
	if cfg.Tools.GrantTTLSeconds < 0 {
		return fmt.Errorf("tools.grant_ttl_seconds cannot be negative")
	}
	return nil
}
