package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Server endpoints. SocketURL is the push channel (ws:// or wss://),
	// ServerURL is the REST base used for history pages and the send
	// fallback when the channel is down.
	ServerURL string `env:"CHAT_SERVER_URL"`
	SocketURL string `env:"CHAT_SOCKET_URL"`

	// Externally-managed credential injected at connect time. The engine
	// never fetches or refreshes tokens itself.
	UserID    string `env:"CHAT_USER_ID"`
	Username  string `env:"CHAT_USERNAME"`
	AuthToken string `env:"CHAT_AUTH_TOKEN"`

	// Rooms to join on startup (comma separated).
	Rooms []string `env:"CHAT_ROOMS" envSeparator:","`

	// Connection lifecycle.
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"20s"`
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"5s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`

	// Reconciliation and indicator timings.
	PendingTTL          time.Duration `env:"PENDING_TTL" envDefault:"10s"`
	DuplicateSendWindow time.Duration `env:"DUPLICATE_SEND_WINDOW" envDefault:"2s"`
	TypingStopAfter     time.Duration `env:"TYPING_STOP_AFTER" envDefault:"3s"`
	TypingRemoteTTL     time.Duration `env:"TYPING_REMOTE_TTL" envDefault:"10s"`
	HistoryPageSize     int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// Environment controls log format, LogLevel overrides the default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Username == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}
		cfg.Username = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("CHAT_SOCKET_URL is required")
	}

	u, err := url.Parse(c.SocketURL)
	if err != nil {
		return fmt.Errorf("parsing CHAT_SOCKET_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("CHAT_SOCKET_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("CHAT_AUTH_TOKEN is required")
	}

	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff bounds invalid: min=%s max=%s", c.ReconnectMin, c.ReconnectMax)
	}
	if c.HistoryPageSize < 1 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
