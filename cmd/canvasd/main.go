// Command canvasd runs the collaborative drawing server.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// cfgFile allows specifying a custom config file
	cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "canvasd",
		Short: "Collaborative drawing server",
		Long: `canvasd accepts drawing clients over plain TCP or TLS, refuses banned
addresses, records sessions to files and shuts down gracefully.

Examples:
  canvasd serve                     Listen on the configured port
  canvasd serve --port 27751        Override the port
  canvasd ban add 192.0.2.0/24      Ban a network in the persistent ban store
  canvasd config init               Write a default configuration file`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/canvasd/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(banCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// configureLogging applies the logging section.
func configureLogging(cfg config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	if err := logger.SetOutput(cfg.Output); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	return nil
}
