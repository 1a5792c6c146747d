// Package config provides configuration management for tillsync.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Mschirtzinger/tillsync/internal/logging"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. TILLSYNC_ENDPOINT.
const EnvPrefix = "TILLSYNC"

// Config holds all configuration.
type Config struct {
	Endpoint  string          `mapstructure:"endpoint"`
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Log       logging.Config  `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Status    StatusConfig    `mapstructure:"status"`
}

// ServerConfig holds room server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SyncConfig holds the path-matching rule for sync traffic.
type SyncConfig struct {
	PathPrefix string `mapstructure:"path_prefix"`
}

// StorageConfig holds database locations.
type StorageConfig struct {
	RoomsDir    string `mapstructure:"rooms_dir"`
	ReplicasDir string `mapstructure:"replicas_dir"`
}

// RoomsConfig points at the database-name to room registry.
type RoomsConfig struct {
	File string `mapstructure:"file"`
}

// TransportConfig holds reconnect and liveness tuning.
type TransportConfig struct {
	BackoffMin      time.Duration `mapstructure:"backoff_min"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	StuckGrace      time.Duration `mapstructure:"stuck_grace"`
}

// SessionConfig holds change streaming tuning.
type SessionConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// StatusConfig holds status display tuning.
type StatusConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// New returns a viper instance with defaults, config file search paths and
// environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("tillsync")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "tillsync"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (optional unless configPath is given), applies
// environment overrides and validates the result.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// SetDefaults sets default configuration values.
func SetDefaults(v *viper.Viper) {
	td := transport.DefaultConfig("")

	v.SetDefault("endpoint", "ws://localhost:8080")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("sync.path_prefix", "/sync/")
	v.SetDefault("storage.rooms_dir", "./data/rooms")
	v.SetDefault("storage.replicas_dir", "./data/replicas")
	v.SetDefault("rooms.file", "rooms.toml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("transport.backoff_min", td.BackoffMin)
	v.SetDefault("transport.backoff_max", td.BackoffMax)
	v.SetDefault("transport.ping_interval", td.PingInterval)
	v.SetDefault("transport.liveness_timeout", td.LivenessTimeout)
	v.SetDefault("transport.stuck_grace", td.StuckGrace)

	v.SetDefault("session.batch_size", 500)
	v.SetDefault("session.poll_interval", "2s")
	v.SetDefault("session.drain_timeout", "5s")

	v.SetDefault("status.debounce", "750ms")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("endpoint must be a ws, wss, http or https url (got %q)", c.Endpoint)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if strings.Trim(c.Sync.PathPrefix, "/") == "" {
		return fmt.Errorf("sync path prefix must not be empty or /")
	}
	if c.Storage.RoomsDir == "" || c.Storage.ReplicasDir == "" {
		return fmt.Errorf("storage directories are required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Transport.BackoffMin <= 0 {
		return fmt.Errorf("transport backoff_min must be positive")
	}
	if c.Transport.BackoffMax < c.Transport.BackoffMin {
		return fmt.Errorf("transport backoff_max must not be below backoff_min")
	}
	if c.Transport.PingInterval <= 0 || c.Transport.LivenessTimeout <= 0 {
		return fmt.Errorf("transport ping_interval and liveness_timeout must be positive")
	}
	if c.Transport.LivenessTimeout < c.Transport.PingInterval {
		return fmt.Errorf("transport liveness_timeout must be at least ping_interval")
	}

	if c.Session.BatchSize <= 0 {
		return fmt.Errorf("session batch_size must be positive")
	}
	if c.Session.DrainTimeout < 0 {
		return fmt.Errorf("session drain_timeout must not be negative")
	}
	if c.Status.Debounce < 0 {
		return fmt.Errorf("status debounce must not be negative")
	}
	return nil
}

// TransportFor returns a transport config for url using the tuning in c.
func (c *Config) TransportFor(url string) transport.Config {
	tc := transport.DefaultConfig(url)
	tc.BackoffMin = c.Transport.BackoffMin
	tc.BackoffMax = c.Transport.BackoffMax
	tc.PingInterval = c.Transport.PingInterval
	tc.LivenessTimeout = c.Transport.LivenessTimeout
	tc.StuckGrace = c.Transport.StuckGrace
	return tc
}
