package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorPass   = lipgloss.Color("#2CD7C7")
	colorWarn   = lipgloss.Color("#F4D03F")
	colorFail   = lipgloss.Color("#E74C3C")
	colorMuted  = lipgloss.Color("#6C7A80")

	accentStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string { return passStyle.Render(s) }
func RenderWarn(s string) string { return warnStyle.Render(s) }
func RenderFail(s string) string { return failStyle.Render(s) }
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// renderTable lays out rows under a bold header with columns sized to the
// widest cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts[i] = cellStyle.Inherit(style).Width(w + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	var b strings.Builder
	b.WriteString(line(header, headerStyle))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
		b.WriteString("\n")
	}
	return b.String()
}
