// Package report renders a plain text summary of a training run: the training loss and the
// validation score series, as a table and sparklines.
package report

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Report of a training run, updated as the run progresses.
type Report struct {
	Title string
	Epoch int

	// TrainLoss holds the average training loss of each plot interval.
	TrainLoss []float64
	// ValScore holds the validation score (BLEU) of each evaluation.
	ValScore []float64
}

// Render returns the report as text.
func (r *Report) Render() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: epoch %d", r.Title, r.Epoch)))
	sb.WriteString("\n")

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("series", "points", "first", "last", "best", "trend").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	t.Row(seriesRow("train loss", r.TrainLoss, slices.Min[[]float64])...)
	t.Row(seriesRow("validation BLEU", r.ValScore, slices.Max[[]float64])...)
	sb.WriteString(t.Render())
	sb.WriteString("\n")
	return sb.String()
}

// String implements fmt.Stringer, which store.Store uses to save reports.
func (r *Report) String() string {
	return r.Render()
}

func seriesRow(name string, values []float64, best func([]float64) float64) []string {
	if len(values) == 0 {
		none := dimStyle.Render("-")
		return []string{name, "0", none, none, none, none}
	}
	return []string{
		name,
		fmt.Sprint(len(values)),
		formatValue(values[0]),
		formatValue(values[len(values)-1]),
		formatValue(best(values)),
		Sparkline(values, 24),
	}
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

var sparks = []rune("▁▂▃▄▅▆▇█")

// Sparkline draws values with block characters, one per value, scaled between their minimum
// and maximum. If there are more than width values, only the last width are drawn.
// Non-finite values are drawn as spaces.
func Sparkline(values []float64, width int) string {
	if width > 0 && len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = min(lo, v), max(hi, v)
	}
	var sb strings.Builder
	for _, v := range values {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			sb.WriteRune(' ')
		case hi == lo:
			sb.WriteRune(sparks[len(sparks)/2])
		default:
			idx := int(math.Round((v - lo) / (hi - lo) * float64(len(sparks)-1)))
			sb.WriteRune(sparks[idx])
		}
	}
	return sb.String()
}
