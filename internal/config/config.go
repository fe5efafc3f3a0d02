// Package config loads, validates, and watches the helmsman configuration
// file.
package config

import (
	"strings"
	"time"
)

// Config is the full helmsman configuration.
type Config struct {
	// Provider selects the streaming LLM backend: anthropic or openai.
	Provider string `json:"provider" mapstructure:"provider"`

	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Journal JournalConfig `json:"journal" mapstructure:"journal"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds model settings shared by every agent turn.
type AIConfig struct {
	AnthropicAPIKey string  `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string  `json:"openai_api_key" mapstructure:"openai_api_key"`
	Model           string  `json:"model" mapstructure:"model"`
	SystemPrompt    string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
}

// ToolsConfig governs the approval policy around tool execution and task
// launches.
type ToolsConfig struct {
	// AutoApprove lets launches that request it skip mutating-tool gates.
	AutoApprove bool `json:"auto_approve" mapstructure:"auto_approve"`
	// ApprovalKeywords mark tasks that need a launch grant. A task needs
	// approval when it contains any keyword, case-insensitively.
	ApprovalKeywords []string `json:"approval_keywords" mapstructure:"approval_keywords"`
	// GrantTTLSeconds bounds how long an issued launch grant stays valid.
	GrantTTLSeconds int `json:"grant_ttl_seconds" mapstructure:"grant_ttl_seconds"`
	// WorkspaceDir roots the filesystem tools.
	WorkspaceDir string `json:"workspace_dir" mapstructure:"workspace_dir"`
}

// JournalConfig controls agent persistence.
type JournalConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	DebounceMS    int    `json:"debounce_ms" mapstructure:"debounce_ms"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// Debounce returns the configured coalescing window.
func (j JournalConfig) Debounce() time.Duration {
	return time.Duration(j.DebounceMS) * time.Millisecond
}

// GatewayConfig configures the WebSocket RPC surface.
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: "anthropic",
		AI: AIConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Tools: ToolsConfig{
			GrantTTLSeconds: 60,
		},
		Journal: JournalConfig{
			DebounceMS:    2000,
			RetentionDays: 30,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Port:              8771,
			RequestsPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// RequiresApproval reports whether a task matches the configured approval
// keywords.
func (t ToolsConfig) RequiresApproval(task string) bool {
	if len(t.ApprovalKeywords) == 0 {
		return false
	}
	lowered := strings.ToLower(task)
	for _, keyword := range t.ApprovalKeywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
