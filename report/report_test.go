package report

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSparkline(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		width    int
		expected string
	}{
		{"empty", nil, 10, ""},
		{"increasing", []float64{0, 1, 2, 3, 4, 5, 6, 7}, 0, "▁▂▃▄▅▆▇█"},
		{"decreasing", []float64{7, 0}, 0, "█▁"},
		{"constant", []float64{3, 3, 3}, 0, "▅▅▅"},
		{"width", []float64{100, 0, 1}, 2, "▁█"},
		{"non-finite", []float64{0, math.NaN(), 1}, 0, "▁ █"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sparkline(tt.values, tt.width))
		})
	}
}

func TestRender(t *testing.T) {
	r := &Report{
		Title:     "vi-en bigru-attention",
		Epoch:     3,
		TrainLoss: []float64{4.5, 3.25, 2.125},
		ValScore:  []float64{1.5, 7.75},
	}
	text := r.Render()
	assert.Contains(t, text, "vi-en bigru-attention: epoch 3")
	assert.Contains(t, text, "train loss")
	assert.Contains(t, text, "validation BLEU")
	assert.Contains(t, text, "4.5000")
	assert.Contains(t, text, "2.1250")
	assert.Contains(t, text, "7.7500")
	assert.Equal(t, text, r.String())

	empty := (&Report{Title: "empty"}).Render()
	assert.Contains(t, empty, "train loss")
}
