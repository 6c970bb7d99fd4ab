package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", config.TCPAddr())
	assert.Equal(t, 2, config.Moderation.ReportThreshold)
	assert.Equal(t, 10*time.Minute, config.BanDuration())
	assert.Equal(t, time.Hour, config.MessageTTL())
	assert.Equal(t, 20, config.Messages.HistoryLimit)
	assert.Equal(t, 100, config.Messages.MaxLength)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linechat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
host = "0.0.0.0"
tcp_port = 9000

[moderation]
report_threshold = 5
ban_seconds = 30

[messages]
history_limit = 50
`), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", config.TCPAddr())
	assert.Equal(t, 5, config.Moderation.ReportThreshold)
	assert.Equal(t, 30*time.Second, config.BanDuration())
	assert.Equal(t, 50, config.Messages.HistoryLimit)
	assert.Equal(t, "debug", config.LogLevel)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, time.Hour, config.MessageTTL())
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linechat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
tcp_port = 9000
`), 0o644))

	t.Setenv("LINECHAT_TCP_PORT", "9001")
	t.Setenv("LINECHAT_BAN_SECONDS", "120")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, config.Server.TCPPort)
	assert.Equal(t, 2*time.Minute, config.BanDuration())
}
