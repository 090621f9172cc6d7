package cli

import (
	"fmt"
	"io"
)

// HintContext provides context for generating relevant next steps.
type HintContext struct {
	// Action is the command that was executed (e.g., "send", "start").
	Action string

	// ConversationID is the conversation involved (if any).
	ConversationID string

	// Identity is the identity involved, as kind:id.
	Identity string

	// Failed marks a send that ended in error state.
	Failed bool
}

// PrintNextSteps prints contextual next steps after a successful command.
// Does nothing if JSON output is enabled.
func PrintNextSteps(out io.Writer, ctx HintContext) {
	if IsJSONOutput() || IsJSONLOutput() {
		return
	}

	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(out, "  %s\n", hint)
	}
}

func generateHints(ctx HintContext) []string {
	switch ctx.Action {
	case "send":
		return hintsForSend(ctx)
	case "start":
		return hintsForStart(ctx)
	case "profile_use":
		return hintsForProfileUse(ctx)
	default:
		return nil
	}
}

func hintsForSend(ctx HintContext) []string {
	if ctx.ConversationID == "" {
		return nil
	}
	if ctx.Failed {
		return []string{
			fmt.Sprintf("chatsync send %s \"...\"          # Try again", ctx.ConversationID),
		}
	}
	return []string{
		fmt.Sprintf("chatsync history %s              # View the timeline", ctx.ConversationID),
		"chatsync watch                        # Follow live changes",
	}
}

func hintsForStart(ctx HintContext) []string {
	if ctx.ConversationID == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("chatsync send %s \"hello\"        # Say hello", ctx.ConversationID),
		"chatsync conversations                # List conversations",
	}
}

func hintsForProfileUse(ctx HintContext) []string {
	return []string{
		"chatsync conversations                # List conversations",
		"chatsync profile show                 # Show the active identity",
	}
}
