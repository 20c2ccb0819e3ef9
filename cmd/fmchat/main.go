package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.fmchat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// ConfigAuth identifies the signed-in user. The token itself comes from the
// platform's auth service.
type ConfigAuth struct {
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ConfigRealtime tunes the socket. Durations use Go syntax ("1s", "500ms").
type ConfigRealtime struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay,omitempty"`
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".fmchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
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

// Environment variables override the config file.
const (
	envBaseURL = "FMCHAT_BASE_URL"
	envToken   = "FMCHAT_TOKEN"
	envUserID  = "FMCHAT_USER_ID"
)

// applyOverrides layers a .env file and then the process environment on top
// of cfg. A missing .env file is not an error.
func applyOverrides(cfg *Config, dotEnvPath string) error {
	dotEnv := map[string]string{}
	if dotEnvPath != "" {
		vals, err := godotenv.Read(dotEnvPath)
		switch {
		case err == nil:
			dotEnv = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("cannot read %s: %w", dotEnvPath, err)
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotEnv[key]
	}

	if v := lookup(envBaseURL); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := lookup(envToken); v != "" {
		cfg.Default.Token = v
	}
	if v := lookup(envUserID); v != "" {
		cfg.Auth.UserID = v
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		case "reconnect_base_delay", "heartbeat_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration: %w", field, err)
			}
			if field == "reconnect_base_delay" {
				cfg.Realtime.ReconnectBaseDelay = value
			} else {
				cfg.Realtime.HeartbeatInterval = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// realtimeConfig turns the [realtime] section into channel settings.
func realtimeConfig(cfg *Config, log fmchat.Logger) (*fmchat.RealtimeConfig, error) {
	rc := fmchat.DefaultRealtimeConfig()
	rc.Token = cfg.Default.Token
	rc.Logger = log
	if n := cfg.Realtime.MaxReconnectAttempts; n != 0 {
		rc.MaxReconnectAttempts = n
	}
	if s := cfg.Realtime.ReconnectBaseDelay; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("realtime.reconnect_base_delay: %w", err)
		}
		rc.ReconnectBaseDelay = d
	}
	if s := cfg.Realtime.HeartbeatInterval; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("realtime.heartbeat_interval: %w", err)
		}
		rc.HeartbeatInterval = d
	}
	return &rc, nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose    bool
	dotEnvPath string
)

var rootCmd = &cobra.Command{
	Use:          "fmchat",
	Short:        "Future Markers chat CLI",
	Long:         "Command-line client for the Future Markers chat service.\nList conversations and groups, send messages, and follow threads live.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
	rootCmd.PersistentFlags().StringVar(&dotEnvPath, "env-file", ".env", "Dotenv file overlaid on the config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
