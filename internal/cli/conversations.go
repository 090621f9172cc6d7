package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/directory"
	"github.com/tOgg1/chatsync/internal/models"
)

var conversationsSearch string

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "filter by counterpart name")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Long:    "List the active identity's conversations, most recently updated first.",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		convs := s.engine.Conversations()
		if conversationsSearch != "" {
			convs = s.engine.Search(conversationsSearch)
		}

		out := cmd.OutOrStdout()
		views := make([]conversationView, 0, len(convs))
		for _, c := range convs {
			views = append(views, newConversationView(c, s.identity.ID))
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, views)
		}
		if len(views) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		if err := writeConversations(out, views, time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d conversations, %d unread\n", len(views), s.engine.UnreadTotal(s.identity.ID))
		return nil
	},
}

// conversationView is the rendered form of one conversation.
type conversationView struct {
	ID          string              `json:"id"`
	With        string              `json:"with"`
	WithID      string              `json:"withId"`
	WithKind    models.IdentityKind `json:"withKind"`
	LastMessage string              `json:"lastMessage,omitempty"`
	Unread      int                 `json:"unread"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

func newConversationView(c models.Conversation, selfID string) conversationView {
	view := conversationView{
		ID:        c.ID,
		Unread:    c.Unread(selfID),
		UpdatedAt: c.UpdatedAt,
	}
	if peer, ok := c.Counterpart(selfID); ok {
		view.With = peer.Label()
		view.WithID = peer.IdentityID
		view.WithKind = peer.IdentityKind
	}
	if c.LastMessage != nil {
		view.LastMessage = c.LastMessage.Content
	}
	return view
}

func writeConversations(out io.Writer, views []conversationView, now time.Time) error {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		with := v.With
		if v.Unread > 0 {
			with = bold(with)
		}
		rows = append(rows, []string{
			v.ID,
			with,
			truncateCells(v.LastMessage, previewWidth),
			formatUnread(v.Unread),
			formatTimestamp(v.UpdatedAt, now),
		})
	}
	return writeTable(out, []string{"ID", "WITH", "LAST MESSAGE", "UNREAD", "UPDATED"}, rows)
}

// previewOf renders a message the way the conversation list shows it.
func previewOf(msg models.Message) string {
	return directory.Preview(msg)
}
