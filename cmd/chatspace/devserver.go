package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatspace-app/chatspace/sdk/golang/internal/devserver"
)

var (
	devAddr       string
	devReplyDelay time.Duration
	devAccounts   map[string]string
)

func init() {
	devServerCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:3001", "Listen address")
	devServerCmd.Flags().DurationVar(&devReplyDelay, "reply-delay", 2*time.Second, "Delay before the automated reply")
	devServerCmd.Flags().StringToStringVar(&devAccounts, "account", nil, "Fixed accounts as user=password; without any, every login is accepted")
	rootCmd.AddCommand(devServerCmd)
}

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run an in-memory conversation service for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		defer log.Sync()

		srv := devserver.New(devserver.Config{
			Accounts:         devAccounts,
			OpenRegistration: len(devAccounts) == 0,
			ReplyDelay:       devReplyDelay,
			Logger:           log,
		})
		defer srv.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cmd, devAddr, srv, log)
	},
}
