package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHAT_SERVER_URL",
		"CHAT_WS_URL",
		"CHAT_STATE_PATH",
		"DEVICE_NAME",
		"CHAT_RECONNECT_DELAY",
		"CHAT_RECENT_LIMIT",
		"CHAT_MAX_ROOMS",
		"CHAT_MAX_MESSAGES_PER_ROOM",
		"CHAT_ROOM_REFRESH_INTERVAL",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "ws://localhost:8080/ws-chat", cfg.WSURL)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 50, cfg.RecentLimit)
	assert.Equal(t, 200, cfg.MaxRooms)
	assert.Equal(t, 500, cfg.MaxMessagesPerRoom)
	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.DeviceName, "device name should default to the hostname")
}

func TestLoad_DerivesSecureWSURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_SERVER_URL", "https://chat.mongmate.co.kr")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.mongmate.co.kr/ws-chat", cfg.WSURL)
}

func TestLoad_ExplicitWSURLWins(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_WS_URL", "ws://10.0.2.2:8080/ws-chat")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.2.2:8080/ws-chat", cfg.WSURL)
}

func TestLoad_ExplicitDeviceName(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DEVICE_NAME", "pixel-9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pixel-9", cfg.DeviceName)
}

func TestLoad_RejectsRecentLimitOutOfRange(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_RECENT_LIMIT", "500")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_RECENT_LIMIT")
}

func TestLoad_RejectsZeroRecentLimit(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_RECENT_LIMIT", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsNonPositiveCaps(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_MAX_ROOMS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_MAX_ROOMS")
}

func TestLoad_RejectsNegativeReconnectDelay(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_RECONNECT_DELAY", "-1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_RECONNECT_DELAY")
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws-chat", false},
		{"https://chat.example.com", "wss://chat.example.com/ws-chat", false},
		{"http://localhost:8080/", "ws://localhost:8080/ws-chat", false},
		{"ftp://wat", "", true},
	}
	for _, tt := range tests {
		got, err := deriveWSURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Environment = "development"
	assert.False(t, cfg.IsProduction())
}
