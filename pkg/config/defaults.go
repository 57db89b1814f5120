package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// MaxClientCnxns defaults through viper because 0 is meaningful there
// (cap disabled).
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyCoordDefaults(&cfg.Coord)
	applyStoreDefaults(&cfg.Store)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":2181"
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1024 * 1024
	}
	if cfg.StagingBufferBytes == 0 {
		cfg.StagingBufferBytes = 64 * 1024
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
}

func applyCoordDefaults(cfg *CoordConfig) {
	if cfg.TickTime == 0 {
		cfg.TickTime = 3 * time.Second
	}
	if cfg.MinSessionTimeout == 0 {
		cfg.MinSessionTimeout = int32(2 * cfg.TickTime.Milliseconds())
	}
	if cfg.MaxSessionTimeout == 0 {
		cfg.MaxSessionTimeout = int32(20 * cfg.TickTime.Milliseconds())
	}
	if cfg.GlobalOutstandingLimit == 0 {
		cfg.GlobalOutstandingLimit = 1000
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}
