package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Table renders rows under headers with a header rule and no outer border.
// styleCell may return a style for a data cell; nil uses the default.
func Table(headers []string, rows [][]string, styleCell func(row, col int) *lipgloss.Style) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderStyle(MutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle.PaddingRight(2)
			}
			base := lipgloss.NewStyle()
			if styleCell != nil {
				if s := styleCell(row, col); s != nil {
					base = *s
				}
			}
			return base.PaddingRight(2)
		})
	return t.Render()
}

// KeyValues renders aligned "key: value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}
	key := BoldStyle.Width(width + 2)

	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, key.Render(p[0]+":")+p[1])
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
