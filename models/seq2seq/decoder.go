package seq2seq

import (
	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Decoder generates target tokens one step at a time from a GRU state, optionally attending over
// the encoder outputs.
type Decoder struct {
	Embedding *context.Variable // [target_vocab, embedding]
	Cell      *GRU              // Input is the embedding, concatenated with the attention context if enabled.
	Out       *context.Variable // [hidden, target_vocab]
	OutBias   *context.Variable // [target_vocab]

	Hidden    int
	Attention bool
	VocabSize int
}

func newDecoder(ctx *context.Context, vocabSize, embedding, hidden int, attention bool, u *uniform) *Decoder {
	input := embedding
	if attention {
		input += hidden
	}
	return &Decoder{
		Embedding: u.variable(ctx, "embedding", vocabSize, embedding),
		Cell:      newGRU(ctx.In("gru"), input, hidden, u),
		Out:       u.variable(ctx.In("out"), "weights", hidden, vocabSize),
		OutBias:   u.variable(ctx.In("out"), "bias", vocabSize),
		Hidden:    hidden,
		Attention: attention,
		VocabSize: vocabSize,
	}
}

func (d *Decoder) variables() []*context.Variable {
	vars := append([]*context.Variable{d.Embedding}, d.Cell.variables()...)
	return append(vars, d.Out, d.OutBias)
}

// StepGraph builds one decoding step: prev [batch] holds the previous token of each row and h
// [batch, hidden] the decoder state. memory [batch, source_width, hidden] and its mask are only
// used with attention.
//
// It returns the log-probabilities [batch, target_vocab] of the next token, the next state and,
// with attention, the attention weights [batch, source_width] (nil otherwise).
func (d *Decoder) StepGraph(prev, h, memory, mask *Node) (logProbs, next, weights *Node) {
	g := prev.Graph()
	x := Gather(d.Embedding.ValueGraph(g), ExpandAxes(prev, -1))
	if d.Attention {
		// Dot-product scores of the previous state against every source position.
		scores := Einsum("bh,bth->bt", h, memory)
		weights = MaskedSoftmax(scores, mask)
		x = Concatenate([]*Node{x, Einsum("bt,bth->bh", weights, memory)}, -1)
	}
	next = d.Cell.Step(x, h)
	logits := Add(MatMul(next, d.Out.ValueGraph(g)), InsertAxes(d.OutBias.ValueGraph(g), 0))
	return LogSoftmax(logits), next, weights
}

// DecodeGraph runs the decoder over all positions of target [batch, width], starting from state
// h. Rows past their length keep their state.
//
// With teacherForcing the input at position 0 is sos and at position t the true target token t-1.
// Otherwise, the decoder is fed its own most likely token from the previous position.
//
// It returns the log-probabilities of each position, and the final state.
func (d *Decoder) DecodeGraph(target, lengths, h, memory, mask *Node, sos int, teacherForcing bool) (logProbs []*Node, final *Node) {
	g := target.Graph()
	batchSize, width := target.Shape().Dim(0), target.Shape().Dim(1)
	prev := FillScalar(g, shapes.Make(target.DType(), batchSize), float64(sos))
	logProbs = make([]*Node, width)
	for t := range width {
		lp, next, _ := d.StepGraph(prev, h, memory, mask)
		logProbs[t] = lp
		h = Where(LessThan(Scalar(g, lengths.DType(), t), lengths), next, h)
		if teacherForcing {
			prev = column(target, t)
		} else {
			prev = ArgMax(lp, -1, target.DType())
		}
	}
	return logProbs, h
}

// MaskedNLL builds the negative log-likelihood of target [batch, width], summed over the
// positions within each row's length. Padding positions contribute nothing to the loss nor to
// its gradient.
func MaskedNLL(logProbs []*Node, target, lengths *Node) *Node {
	g := target.Graph()
	var sum *Node
	for t, lp := range logProbs {
		picked := ReduceSum(Mul(lp, OneHot(column(target, t), lp.Shape().Dimensions[1], lp.DType())), -1)
		active := LessThan(Scalar(g, lengths.DType(), t), lengths)
		term := ReduceAllSum(Where(active, Neg(picked), ZerosLike(picked)))
		if sum == nil {
			sum = term
		} else {
			sum = Add(sum, term)
		}
	}
	return sum
}

// sequenceMask returns a [batch, width] mask, true on the positions within each row's length.
func sequenceMask(lengths *Node, width int) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(lengths.DType(), batchSize, width), 1)
	return LessThan(positions, BroadcastToDims(ExpandAxes(lengths, -1), batchSize, width))
}

// column returns position t of every row of x [batch, width].
func column(x *Node, t int) *Node {
	return Reshape(SliceAxis(x, 1, AxisElem(t)), x.Shape().Dim(0))
}
