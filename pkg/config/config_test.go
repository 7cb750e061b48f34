package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file is written")

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again, "written defaults parse back to the same config")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
ws_url = "wss://example.test/ws"

[channel]
max_attempts = 3
retry_delay = "500ms"

[audio]
enabled = false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/ws", cfg.Server.WSURL)
	assert.Equal(t, "http://localhost:8080/api", cfg.Server.BaseURL, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Channel.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Channel.RetryDelay.Duration)
	assert.False(t, cfg.Audio.Enabled)
	assert.Equal(t, 10, cfg.Messaging.PageSize)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[channel\nmax_attempts = 3"},
		{"duration", "[channel]\nretry_delay = \"soon\""},
		{"attempts", "[channel]\nmax_attempts = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOCIALSYNC_CHANNEL_MAX_ATTEMPTS", "9")
	t.Setenv("SOCIALSYNC_CHANNEL_RETRY_DELAY", "1m")
	t.Setenv("SOCIALSYNC_MESSAGING_ACK_TIMEOUT", "3s")
	t.Setenv("SOCIALSYNC_AUDIO_ENABLED", "false")
	t.Setenv("SOCIALSYNC_SERVER_WS_URL", "ws://other/ws")
	t.Setenv("SOCIALSYNC_MESSAGING_PAGE_SIZE", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Channel.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Channel.RetryDelay.Duration)
	assert.Equal(t, 3*time.Second, cfg.Messaging.AckTimeout.Duration)
	assert.False(t, cfg.Audio.Enabled)
	assert.Equal(t, "ws://other/ws", cfg.Server.WSURL)
	assert.Equal(t, 10, cfg.Messaging.PageSize, "unparseable values are ignored")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SOCIALSYNC_LOG_LEVEL=debug\n"), 0644))
	t.Setenv("SOCIALSYNC_LOG_LEVEL", "")
	os.Unsetenv("SOCIALSYNC_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "debug", os.Getenv("SOCIALSYNC_LOG_LEVEL"))

	cfg, err := Load(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/x/y.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y.db"), got)

	got, err = ExpandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
