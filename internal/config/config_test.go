package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 0.7, cfg.Agent.DefaultTemperature)
	assert.Equal(t, 20, cfg.Memory.TopK)
	assert.Equal(t, 4, cfg.Memory.TurnThreshold)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "http://127.0.0.1:8009", cfg.Sandbox.BaseURL())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skillagent.toml")
	content := `
[agent]
max_iterations = 5

[skills]
directory = "/opt/skills"

[database]
driver = "postgres"
dsn = "postgres://localhost/agent"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, "/opt/skills", cfg.Skills.Directory)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	// Untouched sections keep defaults.
	assert.Equal(t, 8020, cfg.Server.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "3")
	t.Setenv("SKILLS_DIRECTORY", "/srv/skills")
	t.Setenv("MEMORY_MIN_SCORE", "0.5")
	t.Setenv("SANDBOX_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, "/srv/skills", cfg.Skills.Directory)
	assert.Equal(t, 0.5, cfg.Memory.MinScore)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Sandbox.BaseURL())
}

func TestValidateRejectsBadDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "oracle")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database driver")
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")
	key, err := ResolveAPIKey(ProviderConfig{APIKeySource: "env"})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	key, err = ResolveAPIKey(ProviderConfig{APIKeySource: "config", APIKey: "sk-cfg"})
	require.NoError(t, err)
	assert.Equal(t, "sk-cfg", key)

	_, err = ResolveAPIKey(ProviderConfig{APIKeySource: "config"})
	require.Error(t, err)

	key, err = ResolveAPIKey(ProviderConfig{APIKeySource: "none"})
	require.NoError(t, err)
	assert.Empty(t, key)
}
