package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "KEYVOXDESK"
	AppName   = "keyvoxdesk"
)

// Config stores runtime configuration for the desktop and the CLI.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Client    ClientConfig    `mapstructure:"client"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Session   SessionConfig   `mapstructure:"session"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type BackendConfig struct {
	Command            string        `mapstructure:"command"`
	InstallDir         string        `mapstructure:"install_dir"`
	Host               string        `mapstructure:"host"`
	DefaultPort        int           `mapstructure:"default_port"`
	PortWindow         int           `mapstructure:"port_window"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	SpawnAttachTimeout time.Duration `mapstructure:"spawn_attach_timeout"`
}

type ClientConfig struct {
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	HydrateHistoryLimit int           `mapstructure:"hydrate_history_limit"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type SessionConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

type CacheConfig struct {
	// HistoryDB is the sqlite snapshot of recent history. Empty disables it.
	HistoryDB string `mapstructure:"history_db"`
	StateFile string `mapstructure:"state_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load resolves configuration from defaults, an optional config file and
// KEYVOXDESK_* environment variables, in increasing precedence. An empty
// path looks for keyvoxdesk.{toml,yaml,json} in the user config directory
// and tolerates its absence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName(AppName)
		if dir := Dir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Dir is the per-user directory holding the config file and local state.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, AppName)
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	inDir := func(name string) string {
		if dir == "" {
			return ""
		}
		return filepath.Join(dir, name)
	}

	v.SetDefault("backend.command", "")
	v.SetDefault("backend.install_dir", os.Getenv("KEYVOX_HOME"))
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.default_port", 9876)
	v.SetDefault("backend.port_window", 10)
	v.SetDefault("backend.probe_timeout", time.Second)
	v.SetDefault("backend.spawn_attach_timeout", 20*time.Second)

	v.SetDefault("client.command_timeout", 10*time.Second)
	v.SetDefault("client.hydrate_history_limit", 50)

	v.SetDefault("reconnect.base_delay", 1200*time.Millisecond)
	v.SetDefault("reconnect.max_delay", 9000*time.Millisecond)
	v.SetDefault("reconnect.max_attempts", 5)

	v.SetDefault("session.history_limit", 50)

	v.SetDefault("cache.history_db", inDir("history.db"))
	v.SetDefault("cache.state_file", inDir("state.json"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
}

func (c *Config) normalize() {
	c.Backend.Command = strings.TrimSpace(c.Backend.Command)
	c.Backend.InstallDir = strings.TrimSpace(c.Backend.InstallDir)
	c.Backend.Host = strings.TrimSpace(c.Backend.Host)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Client.HydrateHistoryLimit <= 0 {
		c.Client.HydrateHistoryLimit = c.Session.HistoryLimit
	}
}

// Validate performs basic sanity checks on configuration values.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.Host == "" {
		errs = append(errs, errors.New("backend.host must not be empty"))
	}
	if c.Backend.DefaultPort <= 0 || c.Backend.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("backend.default_port %d is out of range", c.Backend.DefaultPort))
	}
	if c.Backend.PortWindow <= 0 || c.Backend.DefaultPort+c.Backend.PortWindow-1 > 65535 {
		errs = append(errs, fmt.Errorf("backend.port_window %d is out of range", c.Backend.PortWindow))
	}
	if c.Backend.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("backend.probe_timeout must be positive"))
	}
	if c.Backend.SpawnAttachTimeout <= 0 {
		errs = append(errs, errors.New("backend.spawn_attach_timeout must be positive"))
	}
	if c.Client.CommandTimeout <= 0 {
		errs = append(errs, errors.New("client.command_timeout must be positive"))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.max_delay must not be below reconnect.base_delay"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	if c.Session.HistoryLimit <= 0 {
		errs = append(errs, errors.New("session.history_limit must be at least 1"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
