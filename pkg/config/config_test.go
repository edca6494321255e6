package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// isolate points the default config and data locations at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, `
logging:
  level: "debug"

server:
  must_secure: false
  auto_stop: true

recording:
  path: "~/recordings"

bans:
  addresses:
    - "192.0.2.7"
    - "10.0.0.0/8"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.AutoStop == nil || !*cfg.Server.AutoStop {
		t.Errorf("Expected auto_stop true, got %v", cfg.Server.AutoStop)
	}
	if cfg.Recording.Path != "~/recordings" {
		t.Errorf("Expected recording path '~/recordings', got %q", cfg.Recording.Path)
	}
	if len(cfg.Bans.Addresses) != 2 {
		t.Errorf("Expected 2 ban entries, got %d", len(cfg.Bans.Addresses))
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Bans.Store.Type != "memory" {
		t.Errorf("Expected default ban store 'memory', got %q", cfg.Bans.Store.Type)
	}
	if cfg.Recording.Path != "" {
		t.Errorf("Expected recording disabled by default, got %q", cfg.Recording.Path)
	}
	if cfg.Server.AutoStop != nil {
		t.Errorf("Expected auto_stop unset, got %v", *cfg.Server.AutoStop)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, "server: [unclosed")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, "server:\n  port: 27751\n")

	t.Setenv("CANVASD_SERVER_PORT", "27800")
	t.Setenv("CANVASD_RECORDING_PATH", "/srv/rec")
	t.Setenv("CANVASD_SERVER_ACCEPT_RATE", "2.5")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 27800 {
		t.Errorf("Expected env port 27800, got %d", cfg.Server.Port)
	}
	if cfg.Recording.Path != "/srv/rec" {
		t.Errorf("Expected env recording path, got %q", cfg.Recording.Path)
	}
	if cfg.Server.AcceptRate != 2.5 {
		t.Errorf("Expected env accept rate 2.5, got %v", cfg.Server.AcceptRate)
	}
}

func TestLoadWithFlags_Override(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, "server:\n  port: 27751\n  bind_address: 127.0.0.1\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	flags.String("bind", "", "")
	flags.Bool("auto-stop", false, "")
	if err := flags.Parse([]string{"--port", "28000", "--auto-stop=false"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := LoadWithFlags(configPath, flags)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 28000 {
		t.Errorf("Expected flag port 28000, got %d", cfg.Server.Port)
	}
	// Unchanged flags do not shadow the file
	if cfg.Server.BindAddress != "127.0.0.1" {
		t.Errorf("Expected bind address from file, got %q", cfg.Server.BindAddress)
	}
	if cfg.Server.AutoStop == nil || *cfg.Server.AutoStop {
		t.Errorf("Expected explicit auto_stop false, got %v", cfg.Server.AutoStop)
	}
}

func TestAutoStopEnabled(t *testing.T) {
	var cfg ServerConfig
	if cfg.AutoStopEnabled(false) {
		t.Error("Expected auto-stop off for a bound listener when unset")
	}
	if !cfg.AutoStopEnabled(true) {
		t.Error("Expected auto-stop on in socket activation mode when unset")
	}

	off := false
	cfg.AutoStop = &off
	if cfg.AutoStopEnabled(true) {
		t.Error("Expected explicit auto_stop false to win")
	}
}

func TestListenerConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.MustSecure = true
	cfg.TLS.CertFile = "/etc/canvasd/cert.pem"
	cfg.TLS.KeyFile = "/etc/canvasd/key.pem"

	lc := cfg.ListenerConfig()
	if !lc.MustBeSecure || !lc.Secure() {
		t.Errorf("Expected secure listener config, got %+v", lc)
	}
	if lc.MinVersion != "1.2" {
		t.Errorf("Expected default min version 1.2, got %q", lc.MinVersion)
	}
}
