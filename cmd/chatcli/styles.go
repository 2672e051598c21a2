package main

import "github.com/charmbracelet/lipgloss"

var (
	colorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	colorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	colorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	colorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	colorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	colorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite).
			Background(colorBlue).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	unreadStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	mineStyle     = lipgloss.NewStyle().Foreground(colorBlue)
	pendingStyle  = lipgloss.NewStyle().Foreground(colorGray).Italic(true)
	hintStyle     = lipgloss.NewStyle().Foreground(colorGray).Italic(true)
	errorStyle    = lipgloss.NewStyle().Foreground(colorRed)
)
