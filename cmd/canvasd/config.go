package main

import (
	"fmt"

	"github.com/marmos91/canvasd/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configForce bool
	configPath  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = cfgFile
		}

		if path == "" {
			written, err := config.InitConfig(configForce)
			if err != nil {
				return err
			}
			path = written
		} else if err := config.InitConfigToPath(path, configForce); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&configPath, "path", "", "write to this path instead of the default location")
	configCmd.AddCommand(configInitCmd)
}
