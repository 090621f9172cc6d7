package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	boldStyle = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// bold highlights value on an interactive terminal.
func bold(value string) string {
	return styled(boldStyle, value)
}

func dim(value string) string {
	return styled(dimStyle, value)
}

func styled(style lipgloss.Style, value string) string {
	if IsNonInteractive() || value == "" {
		return value
	}
	return style.Render(value)
}
