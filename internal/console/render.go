package console

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/satindergrewal/stagesplit/internal/cast"
	"github.com/satindergrewal/stagesplit/internal/transport"
)

const barWidth = 24

var (
	dim        = lipgloss.Color("#4C566A")
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88C0D0"))
	faintStyle = lipgloss.NewStyle().Foreground(dim)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#BF616A"))
)

// RenderBar draws a horizontal meter filled to ratio.
func RenderBar(ratio float64, width int, color string) string {
	if width < 10 {
		width = 10
	}
	r := math.Max(0, math.Min(1, ratio))
	filled := min(int(math.Round(r*float64(width))), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(bar)
}

// RenderStatus draws the transport line, one strip per stem and the cast
// link.
func RenderStatus(s transport.Snapshot, link cast.Link, width int) string {
	var b strings.Builder

	name := s.File
	if name == "" {
		name = "no file"
	}
	b.WriteString(titleStyle.Render(name))
	fmt.Fprintf(&b, "  %s  %s\n", s.State, formatClock(s.Position))

	for _, st := range s.Stems {
		label := fmt.Sprintf("%d %-12s", st.Index+1, truncate(st.Label, 12))
		fmt.Fprintf(&b, "%s %s %3.0f%%  gain %.2f\n",
			label, RenderBar(st.Level/100, width, st.Color), st.Level, st.Gain)
	}

	fmt.Fprintf(&b, "cast %s  offset %+d ms", link.State, link.OffsetMillis)
	if link.Capability != cast.Available.String() {
		b.WriteString(faintStyle.Render(" (unsupported)"))
	}
	if s.Status.Message != "" {
		b.WriteString("\n")
		if s.Status.IsError {
			b.WriteString(errorStyle.Render(s.Status.Message))
		} else {
			b.WriteString(faintStyle.Render(s.Status.Message))
		}
	}
	return b.String()
}

func formatClock(sec float64) string {
	if sec < 0 || math.IsNaN(sec) {
		sec = 0
	}
	total := int(sec)
	return fmt.Sprintf("%d:%02d.%d", total/60, total%60, int((sec-float64(total))*10))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
