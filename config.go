package convsync

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config
// ============================================================================

// Config is the engine, client and stream configuration. It is read from
// TOML and then overlaid with CONVSYNC_* environment variables.
type Config struct {
	API    APIConfig      `toml:"api"`
	Auth   AuthConfig     `toml:"auth"`
	Engine EngineConfig   `toml:"engine"`
	Stream StreamSettings `toml:"stream"`
	Log    LogConfig      `toml:"log"`
}

type APIConfig struct {
	BaseURL   string   `toml:"base_url"   env:"CONVSYNC_API_BASE_URL"`
	StreamURL string   `toml:"stream_url" env:"CONVSYNC_API_STREAM_URL"`
	Timeout   Duration `toml:"timeout"    env:"CONVSYNC_API_TIMEOUT"`
}

type AuthConfig struct {
	Token string `toml:"token" env:"CONVSYNC_TOKEN"`
	Side  string `toml:"side"  env:"CONVSYNC_SIDE"`
	// UserID is the caller's own participant id.
	UserID string `toml:"user_id" env:"CONVSYNC_USER_ID"`
}

type EngineConfig struct {
	HistoryLimit    int      `toml:"history_limit"    env:"CONVSYNC_HISTORY_LIMIT"`
	SnapshotTimeout Duration `toml:"snapshot_timeout" env:"CONVSYNC_SNAPSHOT_TIMEOUT"`
	SendTimeout     Duration `toml:"send_timeout"     env:"CONVSYNC_SEND_TIMEOUT"`
	UploadTimeout   Duration `toml:"upload_timeout"   env:"CONVSYNC_UPLOAD_TIMEOUT"`
	// CachePath enables the on-disk snapshot store when set.
	CachePath string `toml:"cache_path" env:"CONVSYNC_CACHE_PATH"`
}

type StreamSettings struct {
	AutoReconnect        *bool    `toml:"auto_reconnect"         env:"CONVSYNC_STREAM_AUTO_RECONNECT"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"   env:"CONVSYNC_STREAM_RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"    env:"CONVSYNC_STREAM_RECONNECT_MAX_DELAY"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" env:"CONVSYNC_STREAM_MAX_RECONNECT_ATTEMPTS"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"     env:"CONVSYNC_STREAM_HEARTBEAT_INTERVAL"`
}

type LogConfig struct {
	Level  string `toml:"level"  env:"CONVSYNC_LOG_LEVEL"`
	Format string `toml:"format" env:"CONVSYNC_LOG_FORMAT"`
}

// Duration is a time.Duration that reads and writes as "15s" in TOML and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a Config with every default filled.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(DefaultTimeout)
	}
	if c.Auth.Side == "" {
		c.Auth.Side = string(SideUser)
	}
	if c.Engine.HistoryLimit == 0 {
		c.Engine.HistoryLimit = 50
	}
	if c.Engine.SnapshotTimeout == 0 {
		c.Engine.SnapshotTimeout = Duration(15 * time.Second)
	}
	if c.Engine.SendTimeout == 0 {
		c.Engine.SendTimeout = Duration(20 * time.Second)
	}
	if c.Engine.UploadTimeout == 0 {
		c.Engine.UploadTimeout = Duration(60 * time.Second)
	}
	if c.Stream.AutoReconnect == nil {
		on := true
		c.Stream.AutoReconnect = &on
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = Duration(time.Second)
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 10
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = Duration(25 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// LoadConfig reads path (a missing file is not an error), overlays the
// environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.defaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, ok := ParseSide(c.Auth.Side); !ok {
		return &Error{Kind: KindValidation, Op: "config", Message: fmt.Sprintf("auth.side must be user or vendor, got %q", c.Auth.Side)}
	}
	if c.Engine.HistoryLimit < 0 {
		return &Error{Kind: KindValidation, Op: "config", Message: "engine.history_limit must not be negative"}
	}
	if c.Stream.ReconnectMaxDelay < c.Stream.ReconnectBaseDelay {
		return &Error{Kind: KindValidation, Op: "config", Message: "stream.reconnect_max_delay is below reconnect_base_delay"}
	}
	return nil
}

// Side returns the configured local side.
func (c *Config) Side() Side {
	s, _ := ParseSide(c.Auth.Side)
	return s
}

// StreamBaseURL is the stream endpoint, defaulting to the API base URL.
func (c *Config) StreamBaseURL() string {
	return firstNonEmpty(c.API.StreamURL, c.API.BaseURL)
}

// StreamConfig converts the stream section for NewStreamClient.
func (c *Config) StreamConfig() StreamConfig {
	return StreamConfig{
		Token:                c.Auth.Token,
		AutoReconnect:        c.Stream.AutoReconnect == nil || *c.Stream.AutoReconnect,
		MaxReconnectAttempts: c.Stream.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Stream.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:    c.Stream.ReconnectMaxDelay.Std(),
		HeartbeatInterval:    c.Stream.HeartbeatInterval.Std(),
	}
}
