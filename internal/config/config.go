package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Base URL of the chat REST API.
	ServerURL string `env:"CHAT_SERVER_URL" envDefault:"http://localhost:8080"`

	// WebSocket endpoint for the STOMP transport. When empty it is derived
	// from ServerURL by switching the scheme and appending /ws-chat.
	WSURL string `env:"CHAT_WS_URL"`

	// Path of the local bbolt state database. Defaults to
	// ~/.chatsync/state.db when empty.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Fixed delay between reconnect attempts after the transport drops.
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"3s"`

	// Page size for recent-message fetches. Clamped to [1,200] by the
	// REST client; validated here so misconfiguration fails at startup.
	RecentLimit int `env:"CHAT_RECENT_LIMIT" envDefault:"50"`

	// Cache capacity bounds.
	MaxRooms           int `env:"CHAT_MAX_ROOMS" envDefault:"200"`
	MaxMessagesPerRoom int `env:"CHAT_MAX_MESSAGES_PER_ROOM" envDefault:"500"`

	// How often the daemon refreshes the room list from the server.
	RoomRefreshInterval time.Duration `env:"CHAT_ROOM_REFRESH_INTERVAL" envDefault:"60s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the stored token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.WSURL == "" {
		wsURL, err := deriveWSURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = wsURL
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL must not be empty")
	}

	if c.RecentLimit < 1 || c.RecentLimit > 200 {
		return fmt.Errorf("CHAT_RECENT_LIMIT must be in [1,200], got %d", c.RecentLimit)
	}

	if c.MaxRooms < 1 {
		return fmt.Errorf("CHAT_MAX_ROOMS must be positive, got %d", c.MaxRooms)
	}

	if c.MaxMessagesPerRoom < 1 {
		return fmt.Errorf("CHAT_MAX_MESSAGES_PER_ROOM must be positive, got %d", c.MaxMessagesPerRoom)
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}

	return nil
}

// deriveWSURL maps the REST base URL to the STOMP WebSocket endpoint:
// http -> ws, https -> wss, path /ws-chat.
func deriveWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws-chat"

	return u.String(), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
