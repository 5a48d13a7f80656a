package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette (Flexoki dark).
var (
	colorBorder = lipgloss.Color("#282726")
	colorDim    = lipgloss.Color("#575653")
	colorText   = lipgloss.Color("#FFFCF0")
	colorAccent = lipgloss.Color("#3AA99F")
	colorGreen  = lipgloss.Color("#879A39")
	colorOrange = lipgloss.Color("#DA702C")
	colorRed    = lipgloss.Color("#D14D41")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	cellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorOrange)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
)

// titleWidth is the inner width of the title box.
const titleWidth = 55

// Table is a titled, bordered text table.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// RenderTitle renders a centered title in a rounded box.
func RenderTitle(title string) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Width(titleWidth).
		Align(lipgloss.Center).
		Padding(0, 1).
		Render(titleStyle.Render(title))
}

// RenderTable renders t. Tables with neither headers nor rows render empty.
func RenderTable(t Table) string {
	if len(t.Headers) == 0 && len(t.Rows) == 0 {
		return ""
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(t.Headers...).
		Rows(t.Rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})

	var b strings.Builder
	if t.Title != "" {
		b.WriteString("  ")
		b.WriteString(headerStyle.Render(t.Title))
		b.WriteByte('\n')
	}
	b.WriteString(tbl.Render())
	b.WriteByte('\n')
	return b.String()
}

// RenderAlert colors an alert line by its severity prefix.
func RenderAlert(alert string) string {
	switch {
	case strings.HasPrefix(alert, "CRITICAL"):
		return errorStyle.Render(alert)
	case strings.HasPrefix(alert, "WARNING"), strings.HasPrefix(alert, "IMPORTANT"):
		return warnStyle.Render(alert)
	case strings.HasPrefix(alert, "SUCCESS"):
		return okStyle.Render(alert)
	}
	return alert
}

func formatCost(v float64) string { return fmt.Sprintf("$%.6f", v) }

func formatPercent(v float64) string { return fmt.Sprintf("%.1f%%", v) }

func formatMs(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f ms", v)
}

func formatSeconds(v float64) string {
	if v >= 60 {
		return fmt.Sprintf("%dm %02ds", int(v)/60, int(v)%60)
	}
	return fmt.Sprintf("%.1fs", v)
}

// target renders an actual-vs-target cell, green when the goal is met.
// lowerIsBetter flips the comparison.
func target(actual, goal float64, lowerIsBetter bool) string {
	met := actual >= goal
	if lowerIsBetter {
		met = actual <= goal
	}
	s := fmt.Sprintf("%s (target %s)", formatPercent(actual), formatPercent(goal))
	if met {
		return okStyle.Render(s)
	}
	return warnStyle.Render(s)
}
