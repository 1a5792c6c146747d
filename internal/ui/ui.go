// Package ui renders styled terminal output for the tillsync CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/Mschirtzinger/tillsync/internal/status"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#00A86B", Dark: "#50FA7B"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#C97A00", Dark: "#F1FA8C"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF5555"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6272A4"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Init selects the color profile for w, honouring NO_COLOR and
// CLICOLOR_FORCE.
func Init(w io.Writer) {
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// DisableColor forces plain output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderStatus renders the status word with its icon.
func RenderStatus(s status.Status) string {
	switch s {
	case status.StatusSynced:
		return RenderPass("✓ " + string(s))
	case status.StatusSyncing:
		return RenderAccent("↻ " + string(s))
	default:
		return RenderFail("✗ " + string(s))
	}
}

// RenderSummary renders one status line for a database.
func RenderSummary(dbID string, sum status.Summary, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", RenderAccent(dbID), RenderStatus(sum.Status))
	if sum.PendingCount > 0 {
		fmt.Fprintf(&b, "  %d pending", sum.PendingCount)
	}
	if !sum.LastAckAt.IsZero() {
		b.WriteString("  " + RenderMuted("last ack "+Ago(now.Sub(sum.LastAckAt))))
	}
	if !sum.Compatible {
		b.WriteString("  " + RenderWarn("⚠ incompatible with server"))
	}
	if sum.Error != "" {
		b.WriteString("  " + RenderMuted(sum.Error))
	}
	return b.String()
}

// Ago formats d as a coarse relative age.
func Ago(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Confirm asks a yes/no question. It returns false without prompting when
// stdin is not a terminal.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, nil
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return ok, nil
}
