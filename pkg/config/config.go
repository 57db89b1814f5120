// Package config loads and validates the roost server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (ROOST_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete roost configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configures the client front-end
	Server ServerConfig `mapstructure:"server"`

	// Coord configures the coordination core
	Coord CoordConfig `mapstructure:"coord"`

	// Store selects and configures the namespace store
	Store StoreConfig `mapstructure:"store"`

	// Metrics configures the Prometheus exporter
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ServerConfig configures the client front-end.
type ServerConfig struct {
	// ListenAddress is the TCP address clients connect to
	ListenAddress string `mapstructure:"listen_address" validate:"required"`

	// MaxClientCnxns caps simultaneous connections per remote IP.
	// 0 disables the cap. Defaults to 10.
	MaxClientCnxns int `mapstructure:"max_client_cnxns" validate:"gte=0"`

	// MaxFrameBytes bounds a single frame's payload
	MaxFrameBytes int `mapstructure:"max_frame_bytes" validate:"gt=0"`

	// StagingBufferBytes sizes the sender's write-coalescing buffer
	StagingBufferBytes int `mapstructure:"staging_buffer_bytes" validate:"gt=0"`

	// AcceptRate/AcceptBurst throttle accepts per second (0 = unlimited)
	AcceptRate  uint `mapstructure:"accept_rate"`
	AcceptBurst uint `mapstructure:"accept_burst"`

	// WriteTimeout bounds one socket write
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// CoordConfig configures the coordination core.
type CoordConfig struct {
	// ServerID seeds session id generation; distinct per server
	ServerID int64 `mapstructure:"server_id" validate:"gte=0,lte=255"`

	// TickTime is the session tracker granularity
	TickTime time.Duration `mapstructure:"tick_time" validate:"gt=0"`

	// MinSessionTimeout/MaxSessionTimeout clamp negotiated timeouts (ms)
	MinSessionTimeout int32 `mapstructure:"min_session_timeout" validate:"gte=0"`
	MaxSessionTimeout int32 `mapstructure:"max_session_timeout" validate:"gte=0"`

	// GlobalOutstandingLimit throttles reads once this many requests are
	// in flight
	GlobalOutstandingLimit int `mapstructure:"global_outstanding_limit" validate:"gt=0"`
}

// StoreConfig selects the namespace store implementation.
//
// The Type field determines which store is used. Only the corresponding
// type-specific section is consulted.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger contains badger-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// Load reads configuration from file and environment, applies defaults and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and the config file
// location.
//
// Environment variables use the ROOST_ prefix with underscores, e.g.
// ROOST_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ROOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 0 is meaningful here (cap disabled), so the default lives in viper
	// rather than in ApplyDefaults
	v.SetDefault("server.max_client_cnxns", 10)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists; a missing file
// just means defaults.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME/roost,
// ~/.config/roost, or the current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "roost")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "roost")
}
