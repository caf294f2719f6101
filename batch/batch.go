// Package batch packs variable-length index sequences into rectangular padded batches, and
// handles the descending-length ordering required to run recurrent networks over packed batches.
package batch

import (
	"github.com/pkg/errors"
)

// Padded is a rectangular batch of index sequences, each padded to the length of the longest
// sequence in the batch.
//
// Invariant: 0 < Lengths[i] <= Width, and Tokens[i][j] == pad for j >= Lengths[i].
type Padded struct {
	Tokens  [][]int // Shape [batch_size][Width].
	Lengths []int   // True (unpadded) lengths.
	Width   int
	Pad     int
}

// Pack pads sequences with pad up to the length of the longest one.
// An empty batch or an empty sequence is an error.
func Pack(sequences [][]int, pad int) (*Padded, error) {
	if len(sequences) == 0 {
		return nil, errors.New("can't pack an empty batch")
	}
	p := &Padded{
		Tokens:  make([][]int, len(sequences)),
		Lengths: make([]int, len(sequences)),
		Pad:     pad,
	}
	for i, seq := range sequences {
		if len(seq) == 0 {
			return nil, errors.Errorf("sequence #%d in batch is empty", i)
		}
		p.Lengths[i] = len(seq)
		p.Width = max(p.Width, len(seq))
	}
	for i, seq := range sequences {
		row := make([]int, p.Width)
		copy(row, seq)
		for j := len(seq); j < p.Width; j++ {
			row[j] = pad
		}
		p.Tokens[i] = row
	}
	return p, nil
}

// Size returns the number of sequences in the batch.
func (p *Padded) Size() int { return len(p.Lengths) }

// Validate checks the batch invariants. It's called before any recurrent computation.
func (p *Padded) Validate() error {
	if len(p.Tokens) != len(p.Lengths) {
		return errors.Errorf("batch has %d rows but %d lengths", len(p.Tokens), len(p.Lengths))
	}
	if len(p.Tokens) == 0 {
		return errors.New("batch is empty")
	}
	for i, row := range p.Tokens {
		if len(row) != p.Width {
			return errors.Errorf("batch row #%d has width %d, batch width is %d", i, len(row), p.Width)
		}
		length := p.Lengths[i]
		if length <= 0 || length > p.Width {
			return errors.Errorf("batch row #%d has length %d, must be in [1, %d]", i, length, p.Width)
		}
		for j := length; j < p.Width; j++ {
			if row[j] != p.Pad {
				return errors.Errorf("batch row #%d has non-padding token %d at position %d, past its length %d", i, row[j], j, length)
			}
		}
	}
	return nil
}

// Sequence returns row i without padding.
func (p *Padded) Sequence(i int) []int {
	return p.Tokens[i][:p.Lengths[i]]
}

// Column returns the tokens at position t of every row.
func (p *Padded) Column(t int) []int {
	col := make([]int, len(p.Tokens))
	for i, row := range p.Tokens {
		col[i] = row[t]
	}
	return col
}

// Active returns for each row whether position t is within its true length.
func (p *Padded) Active(t int) []bool {
	active := make([]bool, len(p.Lengths))
	for i, length := range p.Lengths {
		active[i] = t < length
	}
	return active
}

// NumTokens returns the sum of the true lengths.
func (p *Padded) NumTokens() int {
	var n int
	for _, length := range p.Lengths {
		n += length
	}
	return n
}

// Rows returns a new Padded with the selected rows, in the given order. The width is kept.
func (p *Padded) Rows(rows []int) *Padded {
	return &Padded{
		Tokens:  Apply(rows, p.Tokens),
		Lengths: Apply(rows, p.Lengths),
		Width:   p.Width,
		Pad:     p.Pad,
	}
}

// Sorted returns the batch reordered by descending length, and the permutation used.
func (p *Padded) Sorted() (*Padded, *Permutation) {
	perm := SortDescending(p.Lengths)
	return p.Permute(perm), perm
}

// Permute returns the batch with its rows in the forward order of perm.
func (p *Padded) Permute(perm *Permutation) *Padded {
	return &Padded{
		Tokens:  Forward(perm, p.Tokens),
		Lengths: Forward(perm, p.Lengths),
		Width:   p.Width,
		Pad:     p.Pad,
	}
}

// BatchSizes returns, for a batch sorted by descending length, the number of sequences still
// active at each position: at position t only the first BatchSizes()[t] rows are within their
// true length.
func (p *Padded) BatchSizes() ([]int, error) {
	sizes := make([]int, p.Width)
	for i, length := range p.Lengths {
		if i > 0 && length > p.Lengths[i-1] {
			return nil, errors.Errorf("batch is not sorted by descending length: lengths %v", p.Lengths)
		}
		for t := range length {
			sizes[t]++
		}
	}
	return sizes, nil
}
