// Package config holds every tunable of the realtime engine. Values come
// from Default(), optionally overridden by environment variables
// (RT_-prefixed) via FromEnv.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server     Server     `json:"server"`
	Connection Connection `json:"connection"`
	Chat       Chat       `json:"chat"`
	Call       Call       `json:"call"`
	LogLevel   string     `json:"log_level" env:"RT_LOG_LEVEL"`
}

type Server struct {
	// Websocket endpoint, e.g. "wss://api.example.org/ws".
	URL string `json:"url" env:"RT_SERVER_URL"`
}

type Connection struct {
	ConnectTimeout    time.Duration `json:"connect_timeout" env:"RT_CONNECT_TIMEOUT"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"RT_HEARTBEAT_INTERVAL"`

	// Reconnect policy: base delay doubles per attempt, plus up to
	// ReconnectJitter of random spread, until MaxReconnectAttempts is hit.
	ReconnectBase        time.Duration `json:"reconnect_base" env:"RT_RECONNECT_BASE"`
	ReconnectJitter      time.Duration `json:"reconnect_jitter" env:"RT_RECONNECT_JITTER"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" env:"RT_MAX_RECONNECT_ATTEMPTS"`
}

type Chat struct {
	DeliveryTimeout time.Duration `json:"delivery_timeout" env:"RT_DELIVERY_TIMEOUT"`
	TypingExpiry    time.Duration `json:"typing_expiry" env:"RT_TYPING_EXPIRY"`
}

type Call struct {
	SetupTimeout    time.Duration `json:"setup_timeout" env:"RT_CALL_SETUP_TIMEOUT"`
	RingingTimeout  time.Duration `json:"ringing_timeout" env:"RT_CALL_RINGING_TIMEOUT"`
	QualityInterval time.Duration `json:"quality_interval" env:"RT_CALL_QUALITY_INTERVAL"`
	QualityHistory  int           `json:"quality_history" env:"RT_CALL_QUALITY_HISTORY"`
	DurationTick    time.Duration `json:"duration_tick" env:"RT_CALL_DURATION_TICK"`

	// How long a terminal call state stays observable before the aggregate
	// is cleared back to idle.
	CleanupGrace time.Duration `json:"cleanup_grace" env:"RT_CALL_CLEANUP_GRACE"`
}

func Default() Config {
	return Config{
		Connection: Connection{
			ConnectTimeout:       30 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ReconnectBase:        2 * time.Second,
			ReconnectJitter:      time.Second,
			MaxReconnectAttempts: 5,
		},
		Chat: Chat{
			DeliveryTimeout: 30 * time.Second,
			TypingExpiry:    5 * time.Second,
		},
		Call: Call{
			SetupTimeout:    60 * time.Second,
			RingingTimeout:  30 * time.Second,
			QualityInterval: 5 * time.Second,
			QualityHistory:  60,
			DurationTick:    time.Second,
			CleanupGrace:    2 * time.Second,
		},
		LogLevel: "info",
	}
}

// FromEnv returns the default config with environment overrides applied.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection.max_reconnect_attempts must be >= 0")
	}
	if c.Connection.ReconnectBase <= 0 {
		return errors.New("connection.reconnect_base must be > 0")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be > 0")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if c.Chat.DeliveryTimeout <= 0 {
		return errors.New("chat.delivery_timeout must be > 0")
	}
	if c.Chat.TypingExpiry <= 0 {
		return errors.New("chat.typing_expiry must be > 0")
	}
	if c.Call.QualityHistory <= 0 {
		return errors.New("call.quality_history must be > 0")
	}
	if c.Call.SetupTimeout <= 0 || c.Call.RingingTimeout <= 0 {
		return errors.New("call timeouts must be > 0")
	}
	if c.Server.URL != "" && !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return errors.New("server.url must be a ws:// or wss:// endpoint")
	}
	return nil
}
