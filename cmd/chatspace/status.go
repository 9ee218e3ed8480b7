package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatspace "github.com/chatspace-app/chatspace/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check the stored session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log := newLogger(cfg)
		defer log.Sync()
		client := newClient(cfg, log, nil)

		baseURL := client.BaseURL()
		if cfg.Default.BaseURL == "" {
			baseURL += " (default)"
		}
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:      %s\n", baseURL)
		fmt.Fprintf(out, "  Log level:     %s\n", valueOrDefault(cfg.Default.LogLevel, "warn (default)"))
		fmt.Fprintf(out, "  Log format:    %s\n", valueOrDefault(cfg.Default.LogFormat, "json (default)"))
		fmt.Fprintf(out, "  Poll interval: %s\n", valueOrDefault(cfg.Default.PollInterval, chatspace.DefaultPollInterval.String()+" (default)"))
		if cfg.Default.MaxPollAttempts > 0 {
			fmt.Fprintf(out, "  Max polls:     %d\n", cfg.Default.MaxPollAttempts)
		} else {
			fmt.Fprintln(out, "  Max polls:     unbounded")
		}
		path, _ := cachePath(cfg)
		fmt.Fprintf(out, "  Cache:         %s\n", path)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  User:          (not logged in)")
			return nil
		}
		fmt.Fprintf(out, "  User:          %s\n", valueOrDefault(cfg.Auth.UserName, "(unknown)"))
		fmt.Fprintf(out, "  Token:         %s\n", maskKey(cfg.Auth.Token))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := commandContext()
		defer cancel()

		convs, err := client.ListConversations(ctx, cfg.Auth.Token)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		archived := 0
		for _, c := range convs {
			if c.Archived {
				archived++
			}
		}
		fmt.Fprintf(out, "  Conversations: %d (%d archived)\n", len(convs), archived)
		return nil
	},
}
