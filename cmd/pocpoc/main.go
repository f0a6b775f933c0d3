package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	pocpoc "github.com/Hoang18769/pocpoc-sub004"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pocpoc/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default" mapstructure:"default"`
	Realtime ConfigRealtime `toml:"realtime" mapstructure:"realtime"`
}

// ConfigDefault holds the backend endpoints and the session file.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" mapstructure:"base_url"`
	WSURL       string `toml:"ws_url,omitempty" mapstructure:"ws_url"`
	SessionFile string `toml:"session_file,omitempty" mapstructure:"session_file"`
}

// ConfigRealtime tunes the connection manager. Durations use time.ParseDuration syntax.
type ConfigRealtime struct {
	ReconnectDelay       string `toml:"reconnect_delay,omitempty" mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty" mapstructure:"max_reconnect_attempts"`
	Heartbeat            string `toml:"heartbeat,omitempty" mapstructure:"heartbeat"`
	TokenWait            string `toml:"token_wait,omitempty" mapstructure:"token_wait"`
}

// ============================================================================
// Config helpers
// ============================================================================

const envPrefix = "POCPOC"

// configDir returns the path to ~/.pocpoc, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pocpoc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and overlays POCPOC_* environment
// variables, e.g. POCPOC_DEFAULT_BASE_URL. A missing file is not an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default.base_url", pocpoc.DefaultBaseURL)
	v.SetDefault("default.ws_url", "")
	v.SetDefault("default.session_file", "")
	v.SetDefault("realtime.reconnect_delay", "")
	v.SetDefault("realtime.max_reconnect_attempts", 0)
	v.SetDefault("realtime.heartbeat", "")
	v.SetDefault("realtime.token_wait", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile parses only the file, without defaults or environment, so
// that `config set` never persists values that came from the environment.
func readConfigFile() (*Config, error) {
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

// saveConfig writes the config struct back to disk as TOML.
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
		case "ws_url":
			cfg.Default.WSURL = value
		case "session_file":
			cfg.Default.SessionFile = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "reconnect_delay":
			cfg.Realtime.ReconnectDelay = value
		case "heartbeat":
			cfg.Realtime.Heartbeat = value
		case "token_wait":
			cfg.Realtime.TokenWait = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "pocpoc",
	Short:         "pocpoc realtime chat client",
	Long:          "Command-line client for the pocpoc chat backend.\nLog in, follow chats and notifications live, and send messages.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
