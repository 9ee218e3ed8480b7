package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (defaults to $CHATSPACE_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Authenticate and store the session token",
	Long:  "Authenticate against the conversation service and store the returned token in ~/.chatspace/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("CHATSPACE_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("password required: pass --password or set CHATSPACE_PASSWORD")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		defer log.Sync()

		ctx, cancel := commandContext()
		defer cancel()

		session, err := newClient(cfg, log, nil).Authenticate(ctx, username, password)
		if err != nil {
			return err
		}

		err = updateConfig(func(c *Config) error {
			c.Auth.Token = session.Token
			c.Auth.UserName = session.UserName
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", session.UserName)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the session and purge its local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		a.engine.Teardown()
		a.close()

		err = updateConfig(func(c *Config) error {
			c.Auth = ConfigAuth{}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
