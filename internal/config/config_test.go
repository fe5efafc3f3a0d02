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

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 2000, cfg.Journal.DebounceMS)
	assert.Equal(t, 2*time.Second, cfg.Journal.Debounce())
	assert.Equal(t, 30, cfg.Journal.RetentionDays)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestToolsConfig_RequiresApproval(t *testing.T) {
	tools := ToolsConfig{ApprovalKeywords: []string{"deploy", "Delete"}}

	assert.True(t, tools.RequiresApproval("deploy the service"))
	assert.True(t, tools.RequiresApproval("please DELETE everything"))
	assert.False(t, tools.RequiresApproval("summarize the report"))

	none := ToolsConfig{}
	assert.False(t, none.RequiresApproval("deploy the service"))
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "helmsman.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.NotEmpty(t, cfg.Journal.Path)
	assert.NotEmpty(t, cfg.Logging.File)
	assert.NotEmpty(t, cfg.Tools.WorkspaceDir)
}

func TestLoader_SaveAndLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Provider = "openai"
	cfg.AI.OpenAIAPIKey = "sk-test"
	cfg.AI.Model = "gpt-4.1"
	cfg.Gateway.Port = 9999
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.Provider)
	assert.Equal(t, "gpt-4.1", loaded.AI.Model)
	assert.Equal(t, 9999, loaded.Gateway.Port)
}

func TestLoader_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}
