package decode

import (
	"cmp"
	"math"
	"slices"

	"github.com/gomlx/go-nmt/batch"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Candidate is a partial or complete hypothesis of beam search.
type Candidate struct {
	// Tokens generated so far, without SOS. A completed candidate ends with EOS.
	Tokens []int

	// Score is the sum of the log-probabilities of Tokens.
	Score float64

	// row of the candidate in the current beam state.
	row int
}

// Trace records the beam after one search step.
type Trace struct {
	// Active is the number of candidates still being extended.
	Active int
	// Budget is the number of candidates that may still be kept: the beam width minus the number
	// of completed candidates.
	Budget int
}

// Result of beam search for one sentence.
type Result struct {
	// Best is the highest scoring candidate across Completed, then Active.
	Best Candidate

	// Completed candidates, in completion order.
	Completed []Candidate

	// Active candidates left when the search stopped, best first.
	Active []Candidate

	// Trace has one entry per search step.
	Trace []Trace
}

// Beam runs beam search of width k independently for each sentence of the source batch.
// The batch is encoded once, and each sentence is then searched on its own rows of the state.
func Beam(m Model, source *batch.Padded, k int, opts Options) ([]*Result, error) {
	if k <= 0 {
		return nil, errors.Errorf("beam width must be positive, got %d", k)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	state, err := m.Start(source)
	if err != nil {
		return nil, errors.WithMessage(err, "beam search")
	}
	results := make([]*Result, source.Size())
	for i := range results {
		results[i], err = beamSearch(m, state.Select([]int{i}), k, opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "beam search of sentence %d", i)
		}
	}
	return results, nil
}

// beamSearch searches one sentence, from its single row initial state.
//
// At each step every active candidate is extended with its budget most likely tokens. All the
// children are then stably sorted by score and the best budget of them kept: those ending in EOS
// complete, each reducing the budget by one, and the others form the next active set.
func beamSearch(m Model, state State, k int, opts Options) (*Result, error) {
	res := &Result{}
	active := []Candidate{{row: 0}}
	prev := []int{opts.SOS}
	budget := k
	for step := 0; step < opts.MaxLength && len(active) > 0 && budget > 0; step++ {
		logProbs, next, err := m.Step(prev, state)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
		var children []Candidate
		for j, parent := range active {
			row := logProbs.RawRowView(j)
			for _, token := range topK(row, budget) {
				score := parent.Score + row[token]
				if math.IsInf(score, -1) || math.IsNaN(score) {
					continue
				}
				children = append(children, Candidate{
					Tokens: append(slices.Clone(parent.Tokens), token),
					Score:  score,
					row:    j,
				})
			}
		}
		slices.SortStableFunc(children, byScore)
		if len(children) > budget {
			children = children[:budget]
		}

		active, prev = nil, nil
		var parents []int
		for _, c := range children {
			if c.Tokens[len(c.Tokens)-1] == opts.EOS {
				res.Completed = append(res.Completed, c)
				budget--
				continue
			}
			parents = append(parents, c.row)
			c.row = len(active)
			active = append(active, c)
			prev = append(prev, c.Tokens[len(c.Tokens)-1])
		}
		res.Trace = append(res.Trace, Trace{Active: len(active), Budget: budget})
		if klog.V(2).Enabled() {
			klog.Infof("beam step %d: %d children, %d active, %d completed, budget %d",
				step, len(children), len(active), len(res.Completed), budget)
		}
		if len(active) > 0 && budget > 0 {
			state = next.Select(parents)
		}
	}
	res.Active = active

	all := append(slices.Clone(res.Completed), active...)
	if len(all) == 0 {
		return nil, errors.New("no candidate with a finite score")
	}
	best := 0
	for i, c := range all {
		if c.Score > all[best].Score {
			best = i
		}
	}
	res.Best = all[best]
	return res, nil
}

// byScore orders candidates by descending score.
func byScore(a, b Candidate) int {
	return cmp.Compare(b.Score, a.Score)
}

// topK returns the indices of the k largest values, largest first, ties broken by lower index.
func topK(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(values[b], values[a])
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
