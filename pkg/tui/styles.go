package tui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("#00D0D0")
	MutedColor   = lipgloss.Color("240")
	WarningColor = lipgloss.Color("214")
	ErrorColor   = lipgloss.Color("196")
	SuccessColor = lipgloss.Color("42")

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	ActiveTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(PrimaryColor).
			Padding(0, 1)

	TabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	BadgeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(ErrorColor).
			Padding(0, 1)

	MutedStyle = lipgloss.NewStyle().Foreground(MutedColor)

	SelectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	UnreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231"))

	MessageAuthorStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("117"))

	OwnAuthorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SuccessColor)

	MessageContentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	ErrorStyle   = lipgloss.NewStyle().Foreground(ErrorColor)
	WarningStyle = lipgloss.NewStyle().Foreground(WarningColor).Bold(true)

	PaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 1)
)
