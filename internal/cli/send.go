package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/composer"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
)

var (
	sendFile    string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "attach an image or video")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", time.Minute, "how long to wait for the send to settle")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message",
	Long:  "Send text and an optional attachment to a conversation and wait for the outcome.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		draft := composer.Draft{Text: strings.Join(args[1:], " ")}
		if sendFile != "" {
			attachment, err := readAttachment(sendFile)
			if err != nil {
				return err
			}
			draft.Attachment = attachment
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conversationID := args[0]
		if err := s.engine.Open(ctx, conversationID); err != nil {
			return fmt.Errorf("open %s: %w", conversationID, err)
		}
		entry, results, err := s.engine.SendDraft(ctx, draft)
		if err != nil {
			return err
		}

		var res timeline.SendResult
		select {
		case res = <-results:
		case <-time.After(sendTimeout):
			res = timeline.SendResult{LocalID: entry.ID, Err: models.ErrUnknownOutcome}
		case <-ctx.Done():
			return ctx.Err()
		}
		return reportSend(cmd, conversationID, entry, res)
	},
}

// sendReport is the JSON form of a settled send.
type sendReport struct {
	LocalID string          `json:"localId"`
	Status  models.Status   `json:"status"`
	Message *models.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func reportSend(cmd *cobra.Command, conversationID string, entry models.Message, res timeline.SendResult) error {
	out := cmd.OutOrStdout()
	report := sendReport{LocalID: entry.ID, Status: models.StatusPending}
	switch {
	case res.Err == nil:
		msg := res.Message
		report.Status = msg.Status
		report.Message = &msg
	case errors.Is(res.Err, models.ErrUnknownOutcome):
		report.Error = res.Err.Error()
	default:
		report.Status = models.StatusError
		report.Error = res.Err.Error()
	}

	if IsJSONOutput() || IsJSONLOutput() {
		if err := WriteOutput(out, report); err != nil {
			return err
		}
	} else {
		switch report.Status {
		case models.StatusError:
			fmt.Fprintf(out, "Send failed: %s\n", report.Error)
		case models.StatusPending:
			fmt.Fprintln(out, "Sent, but the server has not confirmed it yet.")
		default:
			fmt.Fprintf(out, "Sent %s (%s)\n", report.Message.ID, report.Status)
		}
		PrintNextSteps(out, HintContext{
			Action:         "send",
			ConversationID: conversationID,
			Failed:         report.Status == models.StatusError,
		})
	}
	if report.Status == models.StatusError {
		return res.Err
	}
	return nil
}

func readAttachment(path string) (*composer.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return &composer.Attachment{
		Name: filepath.Base(path),
		Data: data,
	}, nil
}
