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

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcplink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdir runs the test from an empty directory so no stray .env is loaded.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, "http://"+DefaultListen, cfg.Issuer)
	assert.Equal(t, DefaultDocument, cfg.Document)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultRegisterPerMinute, cfg.RateLimit.RegisterPerMinute)
	assert.Equal(t, DefaultAuthFailuresPerMinute, cfg.RateLimit.AuthFailuresPerMinute)
	assert.Zero(t, cfg.Bridge.CallTimeout)
	assert.False(t, cfg.Instrumentation.Enabled)
}

func TestLoad_File(t *testing.T) {
	chdir(t)
	path := writeConfig(t, `
listen: 0.0.0.0:9000
issuer: https://auth.example.com/
document: /var/lib/ragtag/nativemessaging.json
log_level: debug
sweep_interval: 1m
bridge:
  call_timeout: 45s
  tool_prefix: local_
  unlock_token: 1a2b3c4d
rate_limit:
  register_per_minute: 3
  auth_failures_per_minute: 5
instrumentation:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "https://auth.example.com", cfg.Issuer, "trailing slash is trimmed")
	assert.Equal(t, "/var/lib/ragtag/nativemessaging.json", cfg.Document)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 45*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, "local_", cfg.Bridge.ToolPrefix)
	assert.Equal(t, "1a2b3c4d", cfg.Bridge.UnlockToken)
	assert.Equal(t, 3, cfg.RateLimit.RegisterPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.AuthFailuresPerMinute)
	assert.True(t, cfg.Instrumentation.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	path := writeConfig(t, "listen: 0.0.0.0:9000\nlog_level: debug\n")

	t.Setenv("MCPLINK_LISTEN", "127.0.0.1:7000")
	t.Setenv("MCPLINK_CALL_TIMEOUT", "5s")
	t.Setenv("MCPLINK_REGISTER_PER_MINUTE", "20")
	t.Setenv("MCPLINK_AUTH_FAILURES_PER_MINUTE", "0")
	t.Setenv("MCPLINK_INSTRUMENTATION", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:7000", cfg.Issuer)
	assert.Equal(t, "debug", cfg.LogLevel, "values without an override keep the file value")
	assert.Equal(t, 5*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, 20, cfg.RateLimit.RegisterPerMinute)
	assert.Zero(t, cfg.RateLimit.AuthFailuresPerMinute)
	assert.True(t, cfg.Instrumentation.Enabled)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MCPLINK_DOCUMENT=from-dotenv.json\n"), 0o600))
	// Unset afterwards; godotenv writes to the process environment
	t.Setenv("MCPLINK_DOCUMENT", "")
	require.NoError(t, os.Unsetenv("MCPLINK_DOCUMENT"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.json", cfg.Document)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "malformed yaml", content: "listen: [\n"},
		{name: "relative issuer", content: "issuer: auth.example.com\n"},
		{name: "ftp issuer", content: "issuer: ftp://auth.example.com\n"},
		{name: "unknown log level", content: "log_level: loud\n"},
		{name: "negative call timeout", content: "bridge:\n  call_timeout: -1s\n"},
		{name: "negative auth failure limit", content: "rate_limit:\n  auth_failures_per_minute: -1\n"},
		{name: "bad duration env", env: map[string]string{"MCPLINK_SWEEP_INTERVAL": "soon"}},
		{name: "bad number env", env: map[string]string{"MCPLINK_REGISTER_PER_MINUTE": "many"}},
		{name: "bad bool env", env: map[string]string{"MCPLINK_INSTRUMENTATION": "perhaps"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.content)

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}
