package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start <kind:id>",
	Short: "Start a conversation",
	Long: `Find or create the conversation between the active identity and
another identity, e.g. "chatsync start org:acme".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiver, err := parseIdentity(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, err := s.engine.StartConversation(ctx, receiver)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, newConversationView(conv, s.identity.ID))
		}
		fmt.Fprintf(out, "Conversation %s with %s\n", conv.ID, receiver)
		PrintNextSteps(out, HintContext{Action: "start", ConversationID: conv.ID, Identity: receiver.String()})
		return nil
	},
}
