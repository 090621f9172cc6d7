package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "show at most this many recent messages (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages",
	Long: `Open a conversation and print its timeline. Opening marks the
conversation read and tells the counterpart it has been seen.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conversationID := args[0]
		if err := s.engine.Open(ctx, conversationID); err != nil {
			return fmt.Errorf("open %s: %w", conversationID, err)
		}
		msgs := tail(s.engine.Messages(conversationID), historyLimit)

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages yet.")
			return nil
		}
		return writeMessages(out, msgs, s.identity.ID, time.Now())
	},
}

func tail(msgs []models.Message, limit int) []models.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

func writeMessages(out io.Writer, msgs []models.Message, selfID string, now time.Time) error {
	rows := make([][]string, 0, len(msgs))
	for _, msg := range msgs {
		from := msg.SenderID
		status := ""
		if msg.SentBy(selfID) {
			from = "me"
			status = formatStatus(msg.Status)
		}
		text := previewOf(msg)
		if msg.Media != nil && msg.Content != "" {
			text = fmt.Sprintf("%s %s", text, dim("["+string(msg.Media.Kind)+"]"))
		}
		rows = append(rows, []string{
			formatTimestamp(msg.CreatedAt, now),
			from,
			status,
			text,
		})
	}
	return writeTable(out, []string{"TIME", "FROM", "STATUS", "MESSAGE"}, rows)
}
