package server

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is the full server configuration: TOML file values with environment
// overrides. Every key has a default, so the server runs with no config file
// at all.
type Config struct {
	Server     ServerSection     `toml:"server"`
	Moderation ModerationSection `toml:"moderation"`
	Messages   MessagesSection   `toml:"messages"`
	LogLevel   string            `toml:"log_level" env:"LINECHAT_LOG_LEVEL"`
}

type ServerSection struct {
	Host     string `toml:"host" env:"LINECHAT_HOST"`
	TCPPort  int    `toml:"tcp_port" env:"LINECHAT_TCP_PORT"`
	HTTPPort int    `toml:"http_port" env:"LINECHAT_HTTP_PORT"` // /metrics and /ws; 0 disables
}

type ModerationSection struct {
	ReportThreshold int `toml:"report_threshold" env:"LINECHAT_REPORT_THRESHOLD"`
	BanSeconds      int `toml:"ban_seconds" env:"LINECHAT_BAN_SECONDS"`
}

type MessagesSection struct {
	TTLSeconds             int `toml:"ttl_seconds" env:"LINECHAT_MESSAGE_TTL_SECONDS"`
	HistoryLimit           int `toml:"history_limit" env:"LINECHAT_HISTORY_LIMIT"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds" env:"LINECHAT_CLEANUP_INTERVAL_SECONDS"`
	GuestNameAttempts      int `toml:"guest_name_attempts" env:"LINECHAT_GUEST_NAME_ATTEMPTS"`
	MaxLength              int `toml:"max_length" env:"LINECHAT_MAX_MESSAGE_LENGTH"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			Host:     "127.0.0.1",
			TCPPort:  8000,
			HTTPPort: 9090,
		},
		Moderation: ModerationSection{
			ReportThreshold: 2,
			BanSeconds:      600, // 10 minutes
		},
		Messages: MessagesSection{
			TTLSeconds:             3600, // 1 hour
			HistoryLimit:           20,
			CleanupIntervalSeconds: 60,
			GuestNameAttempts:      16,
			MaxLength:              100,
		},
		LogLevel: "info",
	}
}

// LoadConfig builds the effective configuration: defaults, then the TOML file
// if it exists, then a .env file if present, then process environment
// variables. A missing config file is not an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &config); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// .env is optional; process environment always wins.
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	return config, nil
}

// BanDuration returns the ban window as a duration.
func (c Config) BanDuration() time.Duration {
	return time.Duration(c.Moderation.BanSeconds) * time.Second
}

// MessageTTL returns the history retention window as a duration.
func (c Config) MessageTTL() time.Duration {
	return time.Duration(c.Messages.TTLSeconds) * time.Second
}

// CleanupInterval returns the history purge interval as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Messages.CleanupIntervalSeconds) * time.Second
}

// TCPAddr returns the chat listener address.
func (c Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.TCPPort)
}

// HTTPAddr returns the metrics/websocket listener address.
func (c Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}
