package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# canvasd configuration file
#
# Values can be overridden with CANVASD_* environment variables
# (for example CANVASD_SERVER_PORT) and with command line flags.
#
# recording.path placeholders:
#   ~/  home directory (start of the path only)
#   %d  date (YYYY-MM-DD)
#   %t  time (HH.MM.SS)
#   %i  session id
# Leave recording.path empty to disable recording.
#
# server.auto_stop is unset by default: enabled in socket activation mode,
# disabled otherwise.
#
# With bans.store.type: badger, "canvasd ban" edits the store while the
# server runs; the server rereads it every bans.store.badger.refresh_interval
# (default 5s).

`

// InitConfig writes a default configuration file to the default location and
// returns its path. An existing file is only replaced when force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg as YAML preceded by a usage header.
func generateYAMLWithComments(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return configHeader + string(data), nil
}
