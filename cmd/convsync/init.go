package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/servicehub/convsync"
)

var (
	initBaseURL string
	initSide    string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	initCmd.Flags().StringVar(&initSide, "side", "", "local side: user or vendor")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.convsync/config.toml",
	Long:  "Initialize the CLI by storing your session token (and optionally the API URL and side) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.API.BaseURL = initBaseURL
		}
		if initSide != "" {
			if err := setConfigValue(cfg, "auth.side", initSide); err != nil {
				return err
			}
		}
		if cfg.Auth.Side == "" {
			cfg.Auth.Side = string(convsync.SideUser)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
