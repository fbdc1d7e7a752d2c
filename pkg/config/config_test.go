package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"HOST", "PORT", "LOG_LEVEL", "API_TOKEN", "ENV", "APP_HOME"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Empty(t, cfg.APIToken)
	assert.False(t, cfg.Production())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_HOME", t.TempDir())
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "secret", cfg.APIToken)
	assert.True(t, cfg.Production())
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_HOME", t.TempDir())

	for _, port := range []string{"abc", "0", "70000", "-1"} {
		t.Setenv("PORT", port)
		_, err := Load()
		assert.Error(t, err, "port %q", port)
	}
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("APP_HOME", home)

	yaml := `
agent:
  prd_command: ["my-agent", "prd"]
  tasks_file: "TASKS.md"
sandbox:
  image: "node:20-alpine"
  pids_limit: 50
retention:
  audit_days: 7
  sweep_interval: 1h
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"my-agent", "prd"}, cfg.Agent.PRDCommand)
	assert.Equal(t, "TASKS.md", cfg.Agent.TasksFile)
	assert.Empty(t, cfg.Agent.TaskCommand)
	assert.Equal(t, "node:20-alpine", cfg.Sandbox.Image)
	assert.Equal(t, int64(50), cfg.Sandbox.PidsLimit)
	assert.Equal(t, 7, cfg.Retention.AuditDays)
	assert.Equal(t, time.Hour, cfg.Retention.SweepInterval)
}

func TestLoad_MalformedYAMLFile(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("APP_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(":\n  - bad"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", slog.LevelDebug - 4},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}
