package batch

import (
	"math/rand/v2"

	"github.com/gomlx/go-nmt/corpus"
	"github.com/pkg/errors"
)

// PairBatch is a mini-batch of sentence pairs.
type PairBatch struct {
	// Indices of the pairs in the dataset, in batch order.
	Indices []int

	Source, Target *Padded
}

// NewPairBatch packs the selected pairs of ds.
func NewPairBatch(ds *corpus.Dataset, indices []int, pad int) (*PairBatch, error) {
	sources := make([][]int, len(indices))
	targets := make([][]int, len(indices))
	for i, idx := range indices {
		sources[i] = ds.Pairs[idx].Source
		targets[i] = ds.Pairs[idx].Target
	}
	source, err := Pack(sources, pad)
	if err != nil {
		return nil, errors.WithMessage(err, "packing source side")
	}
	target, err := Pack(targets, pad)
	if err != nil {
		return nil, errors.WithMessage(err, "packing target side")
	}
	return &PairBatch{Indices: indices, Source: source, Target: target}, nil
}

// Sorted returns the batch reordered by descending source length, with the target rows moved
// along, and the permutation used.
func (pb *PairBatch) Sorted() (*PairBatch, *Permutation) {
	source, perm := pb.Source.Sorted()
	sorted := &PairBatch{Source: source, Target: pb.Target.Permute(perm)}
	if len(pb.Indices) == perm.Len() {
		sorted.Indices = Forward(perm, pb.Indices)
	}
	return sorted, perm
}

// IterBatches returns an iterator over mini-batches of ds, of up to size pairs each.
//
// If rng is not nil, pairs are visited in a random order, otherwise in dataset order.
func IterBatches(ds *corpus.Dataset, size, pad int, rng *rand.Rand) func(yield func(*PairBatch, error) bool) {
	return func(yield func(*PairBatch, error) bool) {
		if size <= 0 {
			yield(nil, errors.Errorf("invalid batch size %d", size))
			return
		}
		order := make([]int, ds.Len())
		for i := range order {
			order[i] = i
		}
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for start := 0; start < len(order); start += size {
			end := min(start+size, len(order))
			b, err := NewPairBatch(ds, order[start:end], pad)
			if err != nil {
				yield(nil, errors.WithMessagef(err, "batch of pairs %v", order[start:end]))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// NumBatches returns the number of mini-batches IterBatches yields for n pairs.
func NumBatches(n, size int) int {
	return (n + size - 1) / size
}
