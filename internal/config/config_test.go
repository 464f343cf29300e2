package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalForms(t *testing.T) {
	var cfg SandboxConfig
	require.NoError(t, yaml.Unmarshal([]byte("idle_timeout: 90s\nexec_timeout: 5000000000\n"), &cfg))
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.ExecTimeout.Std())

	assert.Error(t, yaml.Unmarshal([]byte("idle_timeout: fast\n"), &cfg))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
database:
  driver: postgres
  dsn: host=localhost dbname=agentrun
sandbox:
  enabled: true
  image: golang:1.24
  idle_timeout: 10m
agent:
  provider: scripted
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "golang:1.24", cfg.Sandbox.Image)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.IdleTimeout.Std())

	// Defaults fill the rest.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.ExecTimeout.Std())
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 5*time.Minute, cfg.Questions.TTL.Std())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\nagent:\n  provider: scripted\n"), 0644))

	t.Setenv("AGENTRUN_SERVER_PORT", "7070")
	t.Setenv("AGENTRUN_AGENT_MODEL", "gpt-4o-mini")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.Agent.Model)
}

func TestLoadConfig_APIKeyFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  api_key_env: TEST_AGENT_KEY\n"), 0644))

	t.Setenv("TEST_AGENT_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Agent.APIKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Server.Port = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Database.Driver = "oracle"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Agent.Provider = "openai"
	bad.Agent.APIKey = ""
	bad.Agent.APIKeyEnv = ""
	assert.Error(t, bad.Validate())

	scripted := DefaultConfig()
	scripted.Agent.Provider = "scripted"
	scripted.Agent.APIKeyEnv = ""
	assert.NoError(t, scripted.Validate())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := DefaultConfig()
	original.Server.Port = 9999
	require.NoError(t, SaveConfig(original, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
	assert.Equal(t, original.Sandbox.Image, loaded.Sandbox.Image)
}
