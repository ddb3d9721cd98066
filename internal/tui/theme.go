package tui

import "github.com/charmbracelet/lipgloss"

type Theme struct {
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	RoleTag        lipgloss.Style
	ErrorText      lipgloss.Style
	Muted          lipgloss.Style
	StatusBar      lipgloss.Style
	Warning        lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DD3FC")),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A7F3D0")),
		RoleTag:        lipgloss.NewStyle().Foreground(lipgloss.Color("#C4B5FD")),
		ErrorText:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FCA5A5")),
		Muted:          lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		StatusBar:      lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		Warning:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FBBF24")),
	}
}
