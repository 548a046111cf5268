package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/servicehub/convsync"
)

var configFile string

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.convsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use: --config, or ~/.convsync/config.toml.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns the effective configuration: file, then .env and
// CONVSYNC_* environment, then defaults.
func loadConfig() (*convsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	return convsync.LoadConfig(path)
}

// loadFileConfig reads only what is stored on disk, so that saving it back
// never persists environment overrides or defaults.
func loadFileConfig() (*convsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &convsync.Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg convsync.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *convsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *convsync.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	unknown := func() error {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	setDuration := func(d *convsync.Duration) error {
		return d.UnmarshalText([]byte(value))
	}
	setInt := func(n *int) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*n = v
		return nil
	}

	switch section {
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "stream_url":
			cfg.API.StreamURL = value
		case "timeout":
			return setDuration(&cfg.API.Timeout)
		default:
			return unknown()
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "side":
			side, ok := convsync.ParseSide(value)
			if !ok {
				return fmt.Errorf("auth.side must be user or vendor, got %q", value)
			}
			cfg.Auth.Side = string(side)
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return unknown()
		}
	case "engine":
		switch field {
		case "history_limit":
			return setInt(&cfg.Engine.HistoryLimit)
		case "snapshot_timeout":
			return setDuration(&cfg.Engine.SnapshotTimeout)
		case "send_timeout":
			return setDuration(&cfg.Engine.SendTimeout)
		case "upload_timeout":
			return setDuration(&cfg.Engine.UploadTimeout)
		case "cache_path":
			cfg.Engine.CachePath = value
		default:
			return unknown()
		}
	case "stream":
		switch field {
		case "auto_reconnect":
			on, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s must be true or false: %w", key, err)
			}
			cfg.Stream.AutoReconnect = &on
		case "reconnect_base_delay":
			return setDuration(&cfg.Stream.ReconnectBaseDelay)
		case "reconnect_max_delay":
			return setDuration(&cfg.Stream.ReconnectMaxDelay)
		case "max_reconnect_attempts":
			return setInt(&cfg.Stream.MaxReconnectAttempts)
		case "heartbeat_interval":
			return setDuration(&cfg.Stream.HeartbeatInterval)
		default:
			return unknown()
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return unknown()
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: api, auth, engine, stream, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Marketplace conversation client",
	Long: "Command-line client for two-sided marketplace conversations.\n" +
		"List conversations, read and send messages, and chat with live updates.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.convsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
