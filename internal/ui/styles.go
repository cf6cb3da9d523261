package ui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Active  lipgloss.Style
	Muted   lipgloss.Style
	Clock   lipgloss.Style
	Message lipgloss.Style
	Error   lipgloss.Style
	Panel   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#bd93f9")),
		Label: lipgloss.NewStyle().
			Width(12).
			Foreground(lipgloss.Color("#6272a4")),
		Active: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50fa7b")),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272a4")),
		Clock: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#f1fa8c")),
		Message: lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("#8be9fd")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff5555")),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#44475a")).
			Padding(0, 1),
	}
}
