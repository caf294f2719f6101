package decode

import (
	"github.com/gomlx/go-nmt/batch"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Greedy decodes the whole source batch at once, picking at each step the most likely token of
// each row (the lowest index on ties) and feeding it back.
//
// A row stops after generating EOS or opts.MaxLength tokens; finished rows are dropped from the
// state so they no longer cost anything. It returns exactly one sequence per source row, in
// source order, with the final EOS included if it was generated and without SOS.
func Greedy(m Model, source *batch.Padded, opts Options) ([][]int, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	state, err := m.Start(source)
	if err != nil {
		return nil, errors.WithMessage(err, "greedy decoding")
	}
	out := make([][]int, source.Size())
	rows := make([]int, source.Size())
	prev := make([]int, source.Size())
	for i := range rows {
		rows[i] = i
		prev[i] = opts.SOS
	}

	for step := 0; step < opts.MaxLength && len(rows) > 0; step++ {
		logProbs, next, err := m.Step(prev, state)
		if err != nil {
			return nil, errors.WithMessagef(err, "greedy decoding step %d", step)
		}
		var keep, keptRows, keptPrev []int
		for j, row := range rows {
			token := floats.MaxIdx(logProbs.RawRowView(j))
			out[row] = append(out[row], token)
			if token != opts.EOS {
				keep = append(keep, j)
				keptRows = append(keptRows, row)
				keptPrev = append(keptPrev, token)
			}
		}
		if len(keep) > 0 && len(keep) < len(rows) {
			next = next.Select(keep)
		}
		state, rows, prev = next, keptRows, keptPrev
	}
	return out, nil
}
