package seq2seq

import (
	"github.com/gomlx/go-nmt/batch"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// maxCachedGraphs bounds the number of compiled graphs kept per executor: one is compiled for
// each distinct batch shape.
const maxCachedGraphs = 256

// State is the decoder state of a set of sequences. It's kept on the host and threaded
// explicitly through each decoding step, so rows can be selected and reordered between steps.
type State struct {
	Hidden *mat.Dense // [rows, hidden]

	// Memory holds the encoder outputs [source_width, hidden] of each row, and Lengths the source
	// lengths, used by attention.
	Memory  []*mat.Dense
	Lengths []int
}

// Rows returns the number of sequences in the state.
func (s *State) Rows() int {
	r, _ := s.Hidden.Dims()
	return r
}

// Select returns the state of the given rows, in the given order. Rows may repeat.
func (s *State) Select(rows []int) *State {
	_, c := s.Hidden.Dims()
	hidden := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		hidden.SetRow(i, s.Hidden.RawRowView(r))
	}
	return &State{
		Hidden:  hidden,
		Memory:  batch.Apply(rows, s.Memory),
		Lengths: batch.Apply(rows, s.Lengths),
	}
}

// StepOutput is the result of one decoding step.
type StepOutput struct {
	LogProbs *mat.Dense // [rows, target_vocab]

	// Attention weights [rows, source_width], nil if attention is disabled.
	Attention *mat.Dense
}

// Encode encodes a source batch and returns the initial decoder state, in the batch's row order.
//
// The batch is sorted by descending length for the encoder, and its outputs restored to the
// original order.
func (m *Model) Encode(source *batch.Padded) (*State, error) {
	if err := checkBatch(source, m.SourceVocabSize(), "source"); err != nil {
		return nil, errors.WithMessage(err, "encoder input")
	}
	sorted, perm := source.Sorted()
	tokens, sizes, _, err := sourceInputs(sorted)
	if err != nil {
		return nil, err
	}
	if m.encodeExec == nil {
		m.encodeExec, err = context.NewExec(m.Backend, m.Context, func(_ *context.Context, tokens, sizes *Node) (*Node, *Node) {
			return m.Encoder.EncodeGraph(tokens, sizes)
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the encoder executor")
		}
		m.encodeExec.SetMaxCache(maxCachedGraphs)
	}
	outputs, err := m.encodeExec.Exec(tokens, sizes)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding")
	}
	width := m.Encoder.Width()
	memory := make([]*mat.Dense, source.Size())
	outputsData := tensors.MustCopyFlatData[float64](outputs[0])
	rowSize := source.Width * width
	for i := range memory {
		memory[i] = mat.NewDense(source.Width, width, outputsData[i*rowSize:(i+1)*rowSize])
	}
	final := tensors.MustCopyFlatData[float64](outputs[1])
	finals := make([][]float64, source.Size())
	for i := range finals {
		finals[i] = final[i*width : (i+1)*width]
	}

	state := &State{Memory: batch.Restore(perm, memory), Lengths: source.Lengths}
	state.Hidden = mat.NewDense(source.Size(), width, nil)
	for i, row := range batch.Restore(perm, finals) {
		state.Hidden.SetRow(i, row)
	}
	return state, nil
}

// Step runs one decoding step: prev holds the previous token of each row.
// It returns the log-probabilities of the next token and the next state.
func (m *Model) Step(prev []int, state *State) (*StepOutput, *State, error) {
	if err := m.checkState(prev, state); err != nil {
		return nil, nil, err
	}
	rows, width := state.Hidden.Dims()
	inputs := []any{toInt32(prev), tensors.FromFlatDataAndDimensions(denseData(state.Hidden), rows, width)}
	if m.Decoder.Attention {
		sourceWidth, _ := state.Memory[0].Dims()
		memory := make([]float64, 0, rows*sourceWidth*width)
		for _, mem := range state.Memory {
			memory = append(memory, denseData(mem)...)
		}
		inputs = append(inputs,
			tensors.FromFlatDataAndDimensions(memory, rows, sourceWidth, width),
			toInt32(state.Lengths))
	}
	if m.stepExec == nil {
		var err error
		m.stepExec, err = context.NewExec(m.Backend, m.Context, func(_ *context.Context, inputs []*Node) []*Node {
			var memory, mask *Node
			if m.Decoder.Attention {
				memory = inputs[2]
				mask = sequenceMask(inputs[3], memory.Shape().Dim(1))
			}
			logProbs, next, weights := m.Decoder.StepGraph(inputs[0], inputs[1], memory, mask)
			if weights == nil {
				return []*Node{logProbs, next}
			}
			return []*Node{logProbs, next, weights}
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to create the decoder executor")
		}
		m.stepExec.SetMaxCache(maxCachedGraphs)
	}
	outputs, err := m.stepExec.Exec(inputs...)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "decoding step")
	}
	out := &StepOutput{LogProbs: toDense(outputs[0])}
	if len(outputs) > 2 {
		out.Attention = toDense(outputs[2])
	}
	next := &State{Hidden: toDense(outputs[1]), Memory: state.Memory, Lengths: state.Lengths}
	return out, next, nil
}

func (m *Model) checkState(prev []int, state *State) error {
	if state == nil || state.Hidden == nil {
		return errors.New("decoder state is nil")
	}
	if r, c := state.Hidden.Dims(); r != len(prev) || c != m.Decoder.Hidden {
		return errors.Errorf("decoder state is %dx%d, expected %dx%d", r, c, len(prev), m.Decoder.Hidden)
	}
	if m.Decoder.Attention && (len(state.Memory) != len(prev) || len(state.Lengths) != len(prev)) {
		return errors.Errorf("attention decoder needs encoder memory for %d rows", len(prev))
	}
	vocab := m.TargetVocabSize()
	for i, tok := range prev {
		if tok < 0 || tok >= vocab {
			return errors.Errorf("decoder input token %d at row %d is out of the vocabulary range [0, %d)", tok, i, vocab)
		}
	}
	return nil
}

// Loss runs the model on a batch of pairs and returns the summed masked negative log-likelihood
// of the targets and the number of target tokens it covers. It doesn't change the parameters.
func (m *Model) Loss(pb *batch.PairBatch, teacherForcing bool) (float64, int, error) {
	inputs, err := m.LossInputs(pb)
	if err != nil {
		return 0, 0, err
	}
	idx := 0
	if teacherForcing {
		idx = 1
	}
	if m.lossExecs[idx] == nil {
		m.lossExecs[idx], err = context.NewExec(m.Backend, m.Context, func(_ *context.Context, inputs []*Node) *Node {
			return m.LossGraph(inputs, teacherForcing)
		})
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to create the loss executor")
		}
		m.lossExecs[idx].SetMaxCache(maxCachedGraphs)
	}
	loss, err := m.lossExecs[idx].Exec1(inputs...)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "computing loss")
	}
	return tensors.ToScalar[float64](loss), pb.Target.NumTokens(), nil
}

// toDense converts a [rows, cols] Float64 tensor.
func toDense(t *tensors.Tensor) *mat.Dense {
	dims := t.Shape().Dimensions
	return mat.NewDense(dims[0], dims[1], tensors.MustCopyFlatData[float64](t))
}

// denseData returns the row-major values of m.
func denseData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	return mat.DenseCopyOf(m).RawMatrix().Data
}
