package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/rtc2/internal/version"
)

// Application branding constants
const (
	AppName   = "RTC2 PEER"
	GitHubURL = "github.com/muurk/rtc2"
)

// AppVersion returns the application version from the centralized version package
func AppVersion() string {
	return version.Version
}

// Layout constants
const (
	MinTerminalWidth = 60
	meterWidth       = 20
)

// Color palette
var (
	PrimaryColor   = lipgloss.Color("#7D56F4") // Purple
	SecondaryColor = lipgloss.Color("#43BF6D") // Green
	WarningColor   = lipgloss.Color("#FFA500") // Orange
	ErrorColor     = lipgloss.Color("#FF0000") // Red

	TextColor      = lipgloss.Color("#FFFFFF") // White
	SubtleColor    = lipgloss.Color("#626262") // Gray
	BorderColor    = lipgloss.Color("#7D56F4") // Purple (same as primary)
	HighlightColor = lipgloss.Color("#43BF6D") // Green (same as secondary)
)

var (
	SectionTitleStyle = lipgloss.NewStyle().
				Foreground(PrimaryColor).
				Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(SubtleColor).
			Width(11)

	ValueStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	// Row styles for device lists
	RowStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(TextColor)

	SelectedRowStyle = lipgloss.NewStyle().
				Foreground(HighlightColor).
				Bold(true)

	DimRowStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(SubtleColor)

	OKStyle = lipgloss.NewStyle().
		Foreground(SecondaryColor).
		Bold(true)

	PendingStyle = lipgloss.NewStyle().
			Foreground(WarningColor)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	MeterStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor)

	LinkStyle = lipgloss.NewStyle().
			Foreground(HighlightColor).
			Underline(true)
)

// RenderRow renders a list row with a selection indicator
func RenderRow(text string, selected bool) string {
	if selected {
		return SelectedRowStyle.Render("→ " + text)
	}
	return RowStyle.Render(text)
}

// RenderMeter renders speed in [0,1] as a fixed-width bar.
func RenderMeter(speed float64) string {
	filled := int(speed*meterWidth + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > meterWidth {
		filled = meterWidth
	}
	return MeterStyle.Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(SubtleColor).Render(strings.Repeat("░", meterWidth-filled))
}

// BuildHeaderContent creates header content with app name and GitHub URL
func BuildHeaderContent() string {
	left := lipgloss.NewStyle().
		Foreground(TextColor).
		Bold(true).
		Render(AppName + " v" + AppVersion())

	right := lipgloss.NewStyle().
		Foreground(SubtleColor).
		Render(GitHubURL)

	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

// RenderApplicationContainer wraps content in the full-screen panel: header
// on top, help text pinned to the bottom, bordered outer frame.
func RenderApplicationContainer(content string, footerText string, terminalWidth int, terminalHeight int) string {
	if terminalWidth < MinTerminalWidth {
		terminalWidth = MinTerminalWidth
	}

	headerStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.Border{Bottom: "─"}).
		BorderForeground(BorderColor).
		Width(terminalWidth-4). // Leave room for outer border
		Padding(0, 1)

	footerStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.Border{Top: "─"}).
		BorderForeground(BorderColor).
		Width(terminalWidth-4).
		Padding(0, 1)

	contentStyle := lipgloss.NewStyle().
		Width(terminalWidth-4).
		Padding(1, 1)

	innerContent := lipgloss.JoinVertical(
		lipgloss.Left,
		headerStyle.Render(BuildHeaderContent()),
		contentStyle.Render(content),
		footerStyle.Render(lipgloss.NewStyle().Foreground(SubtleColor).Render(footerText)),
	)

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(BorderColor).
		Width(terminalWidth - 2)
	if terminalHeight > 2 {
		borderStyle = borderStyle.Height(terminalHeight - 2).AlignVertical(lipgloss.Top)
	}

	return borderStyle.Render(innerContent)
}
