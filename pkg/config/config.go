package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/canvasd/pkg/listener"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete canvasd configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CANVASD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains listener and lifecycle settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// TLS configures transport security. Both files must be set to enable it.
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Recording controls where session recordings are written
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`

	// Bans lists refused addresses and the optional persistent ban store
	Bans BansConfig `mapstructure:"bans" yaml:"bans"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains listener and lifecycle settings.
type ServerConfig struct {
	// BindAddress is the address to listen on. Empty means all interfaces.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port is the TCP port to listen on. Ignored in socket activation mode.
	Port int `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`

	// MustSecure refuses to start without TLS and tells the session layer to
	// reject plain connections.
	MustSecure bool `mapstructure:"must_secure" yaml:"must_secure"`

	// AutoStop stops the server once it has no sessions and no users.
	// Unset means enabled in socket activation mode and disabled otherwise.
	AutoStop *bool `mapstructure:"auto_stop" yaml:"auto_stop,omitempty"`

	// AcceptRate caps new connections per second. 0 means unlimited.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"gte=0"`

	// AcceptBurst is the number of connections allowed above AcceptRate in a
	// burst. 0 means twice the rate.
	AcceptBurst int `mapstructure:"accept_burst" yaml:"accept_burst" validate:"gte=0"`
}

// AutoStopEnabled resolves AutoStop for the given start mode.
func (c ServerConfig) AutoStopEnabled(socketActivated bool) bool {
	if c.AutoStop != nil {
		return *c.AutoStop
	}
	return socketActivated
}

// TLSConfig holds the certificate material.
type TLSConfig struct {
	// CertFile is the PEM certificate chain
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`

	// KeyFile is the PEM private key
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`

	// MinVersion is the minimum TLS version
	// Valid values: 1.2, 1.3
	MinVersion string `mapstructure:"min_version" yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
}

// RecordingConfig controls session recording.
type RecordingConfig struct {
	// Path is the file name pattern. Supports ~/ at the start and the %d, %t
	// and %i placeholders. A directory gets the default file name pattern.
	// Empty disables recording.
	Path string `mapstructure:"path" yaml:"path"`
}

// BansConfig configures the admission ban policy.
type BansConfig struct {
	// Addresses lists banned IP addresses or CIDR networks
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`

	// Store selects where bans managed with "canvasd ban" are kept
	Store BanStoreConfig `mapstructure:"store" yaml:"store"`
}

// BanStoreConfig specifies the ban store.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type BanStoreConfig struct {
	// Type specifies which ban store to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the HTTP listen address for /metrics
	Address string `mapstructure:"address" yaml:"address"`
}

// ListenerConfig returns the listener settings derived from the config.
func (c *Config) ListenerConfig() listener.Config {
	return listener.Config{
		CertFile:     c.TLS.CertFile,
		KeyFile:      c.TLS.KeyFile,
		MustBeSecure: c.Server.MustSecure,
		MinVersion:   c.TLS.MinVersion,
	}
}

// FlagBindings maps configuration keys to the CLI flags that override them.
var FlagBindings = map[string]string{
	"logging.level":       "log-level",
	"server.bind_address": "bind",
	"server.port":         "port",
	"server.must_secure":  "must-secure",
	"server.auto_stop":    "auto-stop",
	"server.accept_rate":  "accept-rate",
	"server.accept_burst": "accept-burst",
	"tls.cert_file":       "tls-cert",
	"tls.key_file":        "tls-key",
	"recording.path":      "record",
	"metrics.enabled":     "metrics",
	"metrics.address":     "metrics-address",
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with CLI flag overrides. Only flags named in
// FlagBindings that the user actually set take effect.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

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

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: CANVASD_SERVER_PORT=27751
	v.SetEnvPrefix("CANVASD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/canvasd/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar keys that may be set from the environment.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.bind_address",
	"server.port",
	"server.must_secure",
	"server.auto_stop",
	"server.accept_rate",
	"server.accept_burst",
	"tls.cert_file",
	"tls.key_file",
	"tls.min_version",
	"recording.path",
	"bans.store.type",
	"metrics.enabled",
	"metrics.address",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for key, name := range FlagBindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			// Missing config file is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "canvasd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "canvasd")
}

// getDataDir returns the directory for persistent state such as the ban store.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "canvasd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "share", "canvasd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
