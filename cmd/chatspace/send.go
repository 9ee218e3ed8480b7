package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatspace "github.com/chatspace-app/chatspace/sdk/golang"
)

var (
	showJSON    bool
	sendWait    bool
	sendTimeout time.Duration
)

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "Wait for the automated reply")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 60*time.Second, "How long --wait waits for a reply")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sendCmd)
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the selected conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			cur := a.engine.Snapshot().CurrentConversation
			if cur == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversation selected.")
				return nil
			}
			if showJSON {
				return writeJSON(cmd.OutOrStdout(), cur)
			}
			printThread(cmd.OutOrStdout(), cur, a.engine.Session())
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to the selected conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout+sendTimeout)
		defer cancel()
		a, err := bootApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ticks := make(chan struct{}, 1)
		off := a.engine.On(chatspace.EventPollTick, func(string, any) {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
		defer off()

		before := 0
		if cur := a.engine.Snapshot().CurrentConversation; cur != nil {
			before = len(cur.Messages)
		}
		if err := a.engine.Send(ctx, text); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
		if !sendWait {
			return nil
		}

		reply, err := awaitReply(ctx, a.engine, ticks, before+1, sendTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[AI] %s\n", reply.Text)
		return nil
	},
}

// awaitReply waits until the selected conversation holds more than sent
// messages and ends with a responder message.
func awaitReply(ctx context.Context, engine *chatspace.Engine, ticks <-chan struct{}, sent int, timeout time.Duration) (chatspace.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cur := engine.Snapshot().CurrentConversation; cur != nil {
			if last, ok := cur.LastMessage(); ok && len(cur.Messages) > sent && last.FromResponder() {
				return last, nil
			}
		}
		select {
		case <-ticks:
		case <-deadline.C:
			return chatspace.Message{}, fmt.Errorf("no reply within %s", timeout)
		case <-ctx.Done():
			return chatspace.Message{}, ctx.Err()
		}
	}
}
