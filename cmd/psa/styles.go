package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"psa/internal/ipc"
	"psa/internal/lifecycle"
)

var (
	Accent      = lipgloss.Color("#8BC34A")
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
	Muted       = lipgloss.Color("#7a8599")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Info)
	labelStyle   = lipgloss.NewStyle().Foreground(Muted).Width(20)
	successStyle = lipgloss.NewStyle().Foreground(Accent).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(Warning).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(Destructive).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	idStyle      = lipgloss.NewStyle().Foreground(Info)
)

// field prints an aligned "label value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintln(w, labelStyle.Render(label)+fmt.Sprint(value))
}

func severityStyle(s ipc.Severity) lipgloss.Style {
	switch s {
	case ipc.SeverityCritical:
		return errorStyle
	case ipc.SeverityWarning:
		return warningStyle
	}
	return successStyle
}

func healthStyle(s lifecycle.State) lipgloss.Style {
	switch s {
	case lifecycle.StateHealthy:
		return successStyle
	case lifecycle.StateProbationary:
		return mutedStyle
	case lifecycle.StateNeedsReview, lifecycle.StateObsolete:
		return errorStyle
	}
	return warningStyle
}

func percent(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}

// renderMarkdown renders md for the terminal, falling back to plain text
// when stdout is not a terminal or rendering fails.
func renderMarkdown(md string) string {
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n") + "\n"
}
