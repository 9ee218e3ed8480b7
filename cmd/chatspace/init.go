package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the server URL in ~/.chatspace/config.toml",
	Long:  "Initialize the ChatSpace CLI by storing the conversation service URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base URL %q", args[0])
		}

		err := updateConfig(func(cfg *Config) error {
			cfg.Default.BaseURL = baseURL
			if cfg.Default.LogLevel == "" {
				cfg.Default.LogLevel = "warn"
			}
			if cfg.Default.PollInterval == "" {
				cfg.Default.PollInterval = "3s"
			}
			return nil
		})
		if err != nil {
			return err
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Server URL saved to %s\n", path)
		return nil
	},
}
