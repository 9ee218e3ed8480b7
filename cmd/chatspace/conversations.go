package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	listArchived bool
	listAll      bool
	listJSON     bool
)

func init() {
	conversationsListCmd.Flags().BoolVar(&listArchived, "archived", false, "Show archived conversations only")
	conversationsListCmd.Flags().BoolVar(&listAll, "all", false, "Show active and archived conversations")
	conversationsListCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsSelectCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	conversationsCmd.AddCommand(conversationsUnarchiveCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations (active by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		a, err := bootApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		s := a.engine.Snapshot()
		convs := s.ActiveConversations
		switch {
		case listAll:
			convs = s.Conversations
		case listArchived:
			convs = s.ArchivedConversations
		}

		if listJSON {
			return writeJSON(cmd.OutOrStdout(), convs)
		}
		printConversations(cmd.OutOrStdout(), convs, s.SelectedConversationID)
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a conversation and select it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			conv, err := a.engine.Create(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", conv.Name, conv.ID)
			return nil
		})
	},
}

var conversationsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a conversation the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Select(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", args[0])
			return nil
		})
	},
}

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Archive(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", args[0])
			return nil
		})
	},
}

var conversationsUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <id>",
	Short: "Move an archived conversation back to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Unarchive(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unarchived %s\n", args[0])
			return nil
		})
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Remove(ctx, args[0]); err != nil {
				return err
			}
			s := a.engine.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			if s.SelectedConversationID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", s.SelectedConversationID)
			}
			return nil
		})
	},
}

// withApp boots the app, runs fn and shuts the app down.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := commandContext()
	defer cancel()
	a, err := bootApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

