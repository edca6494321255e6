package config

import (
	"path/filepath"
	"strings"
)

// DefaultPort is the default listening port.
const DefaultPort = 27750

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans keep their zero value; auto_stop stays unset so the start mode decides
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyTLSDefaults(&cfg.TLS)
	applyBansDefaults(&cfg.Bans)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
}

func applyTLSDefaults(cfg *TLSConfig) {
	if cfg.MinVersion == "" {
		cfg.MinVersion = "1.2"
	}
}

// applyBansDefaults sets ban list and ban store defaults.
func applyBansDefaults(cfg *BansConfig) {
	if cfg.Addresses == nil {
		cfg.Addresses = []string{}
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}

	// Initialize maps if nil
	if cfg.Store.Badger == nil {
		cfg.Store.Badger = make(map[string]any)
	}

	// Applied for every store type so generated config files are complete
	if _, ok := cfg.Store.Badger["db_path"]; !ok {
		cfg.Store.Badger["db_path"] = filepath.Join(getDataDir(), "bans")
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Address == "" {
		cfg.Address = ":9090"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}

	ApplyDefaults(cfg)
	return cfg
}
