package config

import (
	"fmt"
	"time"
)

// Config is the main configuration struct.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Send        SendConfig        `yaml:"send"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// GatewayConfig points the client at the Pingo backend.
type GatewayConfig struct {
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`
}

// ConnectionConfig holds live-connection tuning. Durations are strings in
// time.ParseDuration syntax; zero values take the defaults below.
type ConnectionConfig struct {
	Heartbeat            string `yaml:"heartbeat"`
	ReconnectBase        string `yaml:"reconnect_base"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	MaxBackoffDoublings  int    `yaml:"max_backoff_doublings"`
	DialTimeout          string `yaml:"dial_timeout"`
}

// SendConfig guards the outbound send path.
type SendConfig struct {
	MaxLength int `yaml:"max_length"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// DispatchConfig sizes the serialized event queue.
type DispatchConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// RetentionConfig holds configuration for the cached-log sweeper.
type RetentionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cron       string `yaml:"cron"`
	KeepLast   int    `yaml:"keep_last"`
	IdlePeriod string `yaml:"idle_period"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DiagnosticsConfig exposes metrics/health when Addr is non-empty.
type DiagnosticsConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultWSURL  = "ws://localhost/ws"
	DefaultAPIURL = "http://localhost/api"

	DefaultHeartbeat            = 30 * time.Second
	DefaultReconnectBase        = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMaxBackoffDoublings  = 3
	DefaultDialTimeout          = 10 * time.Second

	DefaultMaxLength     = 2000
	DefaultQueueCapacity = 1024

	DefaultRetentionCron     = "0 * * * *"
	DefaultRetentionKeepLast = 200
)

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return d, nil
}

// HeartbeatInterval returns the parsed heartbeat interval.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return parseDuration(c.Connection.Heartbeat, DefaultHeartbeat)
}

// ReconnectBase returns the parsed backoff base interval.
func (c *Config) ReconnectBase() (time.Duration, error) {
	return parseDuration(c.Connection.ReconnectBase, DefaultReconnectBase)
}

// DialTimeout returns the parsed transport dial timeout.
func (c *Config) DialTimeout() (time.Duration, error) {
	return parseDuration(c.Connection.DialTimeout, DefaultDialTimeout)
}

// IdleDuration returns the parsed idle eviction period; zero means idle
// eviction is off.
func (r RetentionConfig) IdleDuration() (time.Duration, error) {
	if r.IdlePeriod == "" {
		return 0, nil
	}
	return parseDuration(r.IdlePeriod, 0)
}
