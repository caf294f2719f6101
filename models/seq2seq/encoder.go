package seq2seq

import (
	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Encoder summarizes a batch of source sequences, sorted by descending length, with a GRU run
// over the packed batch: at position t only the rows still within their true length update
// their state, so padding never reaches the recurrent state.
//
// A bidirectional Encoder runs a second GRU right-to-left from each sequence's last true token,
// and concatenates the forward and backward states: its summary width is 2×Hidden.
type Encoder struct {
	Embedding *context.Variable // [source_vocab, embedding]
	Forward   *GRU
	Backward  *GRU // nil for unidirectional encoders.
	Hidden    int
	VocabSize int
}

func newEncoder(ctx *context.Context, vocabSize, embedding, hidden int, bidirectional bool, u *uniform) *Encoder {
	e := &Encoder{
		Embedding: u.variable(ctx, "embedding", vocabSize, embedding),
		Forward:   newGRU(ctx.In("forward"), embedding, hidden, u),
		Hidden:    hidden,
		VocabSize: vocabSize,
	}
	if bidirectional {
		e.Backward = newGRU(ctx.In("backward"), embedding, hidden, u)
	}
	return e
}

// Directions returns 2 for bidirectional encoders, 1 otherwise.
func (e *Encoder) Directions() int {
	if e.Backward != nil {
		return 2
	}
	return 1
}

// Width of the encoder summary and per-step outputs.
func (e *Encoder) Width() int { return e.Directions() * e.Hidden }

func (e *Encoder) variables() []*context.Variable {
	vars := append([]*context.Variable{e.Embedding}, e.Forward.variables()...)
	if e.Backward != nil {
		vars = append(vars, e.Backward.variables()...)
	}
	return vars
}

// EncodeGraph builds the encoding of tokens [batch, width], sorted by descending length, where
// batchSizes [width] holds the number of rows active at each position (see batch.Padded.BatchSizes).
//
// It returns the outputs [batch, width, Width()], zero past each row's length, and the summary
// [batch, Width()]: the forward state after the last true token, concatenated with the backward
// state after the first token.
func (e *Encoder) EncodeGraph(tokens, batchSizes *Node) (outputs, final *Node) {
	g := tokens.Graph()
	x := Gather(e.Embedding.ValueGraph(g), ExpandAxes(tokens, -1)) // [batch, width, embedding]
	outputs, final = e.run(e.Forward, x, batchSizes, false)
	if e.Backward != nil {
		bwdOutputs, bwdFinal := e.run(e.Backward, x, batchSizes, true)
		outputs = Concatenate([]*Node{outputs, bwdOutputs}, -1)
		final = Concatenate([]*Node{final, bwdFinal}, -1)
	}
	return outputs, final
}

// run unrolls cell over the positions of x, from last to first if reverse is set. At position t
// only the first batchSizes[t] rows are updated, the others keep their state and output zeros.
func (e *Encoder) run(cell *GRU, x, batchSizes *Node, reverse bool) (outputs, final *Node) {
	g := x.Graph()
	batchSize, width := x.Shape().Dim(0), x.Shape().Dim(1)
	rows := Iota(g, shapes.Make(batchSizes.DType(), batchSize), 0)
	h := Zeros(g, shapes.Make(DType, batchSize, e.Hidden))
	steps := make([]*Node, width)
	for s := range width {
		t := s
		if reverse {
			t = width - 1 - s
		}
		xt := Reshape(SliceAxis(x, 1, AxisElem(t)), batchSize, -1)
		next := cell.Step(xt, h)
		active := LessThan(rows, Reshape(SliceAxis(batchSizes, 0, AxisElem(t))))
		h = Where(active, next, h)
		steps[t] = Where(active, next, ZerosLike(next))
	}
	return Stack(steps, 1), h
}
