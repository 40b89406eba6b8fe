// Package ui renders CLI output. Styling is only applied when stdout is a
// terminal; piped output stays plain.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// styled is decided once per process.
var styled = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

// SetStyled forces styling on or off.
func SetStyled(on bool) {
	styled = on
}

func render(style lipgloss.Style, s string) string {
	if !styled {
		return s
	}
	return style.Render(s)
}

// RenderPass renders a success marker or message.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent highlights an identifier or path.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderStatus picks the style for a run status word.
func RenderStatus(status string) string {
	switch status {
	case "success":
		return RenderPass(status)
	case "partial":
		return RenderWarn(status)
	default:
		return RenderFail(status)
	}
}
