package batch

import (
	"slices"

	"github.com/pkg/errors"
)

// Permutation reorders the rows of a batch, and restores the original order afterwards.
//
// Order()[i] is the original row placed at position i; Inverse()[j] is the position where the
// original row j was placed.
type Permutation struct {
	order, inverse []int
}

// SortDescending returns the permutation that sorts lengths in descending order.
// Ties keep their original relative order.
func SortDescending(lengths []int) *Permutation {
	order := make([]int, len(lengths))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return lengths[b] - lengths[a]
	})
	return NewPermutation(order)
}

// NewPermutation creates a Permutation from the given order. It panics if order is not a
// permutation of 0..len(order)-1.
func NewPermutation(order []int) *Permutation {
	inverse := make([]int, len(order))
	for i := range inverse {
		inverse[i] = -1
	}
	for i, o := range order {
		if o < 0 || o >= len(order) || inverse[o] != -1 {
			panic(errors.Errorf("invalid permutation order %v", order))
		}
		inverse[o] = i
	}
	return &Permutation{order: order, inverse: inverse}
}

// Order returns the forward order: row i of the sorted batch is row Order()[i] of the original.
func (p *Permutation) Order() []int { return p.order }

// Inverse returns the inverse order: row j of the original batch is row Inverse()[j] of the sorted one.
func (p *Permutation) Inverse() []int { return p.inverse }

// Len returns the number of rows permuted.
func (p *Permutation) Len() int { return len(p.order) }

// IsIdentity returns whether the permutation keeps every row in place.
func (p *Permutation) IsIdentity() bool {
	for i, o := range p.order {
		if i != o {
			return false
		}
	}
	return true
}

// Apply returns rows gathered by index: out[i] = rows[index[i]].
func Apply[T any](index []int, rows []T) []T {
	out := make([]T, len(index))
	for i, idx := range index {
		out[i] = rows[idx]
	}
	return out
}

// Forward reorders original rows into the sorted order.
func Forward[T any](p *Permutation, rows []T) []T {
	return Apply(p.order, rows)
}

// Restore reorders sorted rows back into the original order.
func Restore[T any](p *Permutation, rows []T) []T {
	return Apply(p.inverse, rows)
}
