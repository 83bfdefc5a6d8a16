package summary

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Align(lipgloss.Right)
	labelStyle  = lipgloss.NewStyle()
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// Render formats the top tallies as a small right-aligned table for the
// terminal. top <= 0 renders every label.
func Render(tallies []Tally, top int) string {
	if len(tallies) == 0 {
		return mutedStyle.Render("no contigs were classified")
	}

	shown := tallies
	if top > 0 && len(shown) > top {
		shown = shown[:top]
	}

	width := len(strconv.Itoa(shown[0].Count))
	lines := []string{headerStyle.Render(fmt.Sprintf("Top taxa (%d contigs, %d labels)", Total(tallies), len(tallies)))}
	for _, t := range shown {
		label := t.Label
		if label == "" {
			label = mutedStyle.Render("(no label)")
		} else {
			label = labelStyle.Render(label)
		}
		lines = append(lines, countStyle.Width(width).Render(strconv.Itoa(t.Count))+"  "+label)
	}
	if rest := len(tallies) - len(shown); rest > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("... %d more labels", rest)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
