package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.AnthropicAPIKey = "sk-ant-test"
	cfg.Gateway.SharedSecret = "s3cret"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "cohere" }},
		{"anthropic key missing", func(c *Config) { c.AI.AnthropicAPIKey = "" }},
		{"openai key missing", func(c *Config) { c.Provider = "openai"; c.AI.OpenAIAPIKey = "" }},
		{"model missing", func(c *Config) { c.AI.Model = "" }},
		{"negative max tokens", func(c *Config) { c.AI.MaxTokens = -1 }},
		{"temperature too high", func(c *Config) { c.AI.Temperature = 3 }},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 0 }},
		{"gateway secret missing", func(c *Config) { c.Gateway.SharedSecret = "" }},
		{"negative debounce", func(c *Config) { c.Journal.DebounceMS = -1 }},
		{"negative retention", func(c *Config) { c.Journal.RetentionDays = -1 }},
		{"negative grant ttl", func(c *Config) { c.Tools.GrantTTLSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidate_GatewayDisabledSkipsGatewayChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Enabled = false
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = ""

	assert.NoError(t, Validate(cfg))
}
