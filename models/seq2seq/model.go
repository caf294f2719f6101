// Package seq2seq implements recurrent encoder-decoder translation models as gomlx computation
// graphs, run on the pure Go CPU backend.
//
// The architecture is one of a closed set of variants, selected by config.Model: a GRU encoder,
// unidirectional or bidirectional, and a GRU decoder, with or without dot-product attention over
// the encoder outputs. All variants share the same contract (Model.Encode, Model.Step,
// Model.LossGraph), so training and decoding don't depend on the variant.
package seq2seq

import (
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/compute/gobackend"
	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// DType of the model parameters and activations.
	DType = dtypes.Float64

	// TokenDType of the token and length inputs of the model graphs.
	TokenDType = dtypes.Int32
)

// Backend returns the process-wide CPU backend the models run on.
var Backend = sync.OnceValues(func() (backends.Backend, error) {
	backend, err := gobackend.New("")
	return backend, errors.Wrap(err, "failed to create the Go CPU backend")
})

// Model is an encoder-decoder translation model. Its parameters are the variables of Context.
type Model struct {
	Config config.Model
	Tokens config.Tokens

	Backend backends.Backend
	Context *context.Context
	Encoder *Encoder
	Decoder *Decoder

	encodeExec, stepExec *context.Exec
	lossExecs            [2]*context.Exec // Indexed by teacher forcing.
}

// New creates a model with randomly initialized parameters (seeded by cfg.Seed) for the given
// vocabulary sizes.
//
// The decoder hidden width matches the encoder summary: 2×Hidden for bidirectional encoders.
func New(cfg config.Model, tokens config.Tokens, sourceVocab, targetVocab int) (*Model, error) {
	if cfg.Embedding <= 0 || cfg.Hidden <= 0 {
		return nil, errors.Errorf("invalid model dimensions embedding=%d hidden=%d", cfg.Embedding, cfg.Hidden)
	}
	if err := tokens.Validate(); err != nil {
		return nil, err
	}
	if min(sourceVocab, targetVocab) <= tokens.Reserved() {
		return nil, errors.Errorf("vocabularies too small (source=%d, target=%d) for %d reserved tokens",
			sourceVocab, targetVocab, tokens.Reserved())
	}
	backend, err := Backend()
	if err != nil {
		return nil, err
	}
	scale := cfg.InitScale
	if scale <= 0 {
		scale = 0.1
	}
	initializer := &uniform{rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)), scale: scale}
	ctx := context.New()
	enc := newEncoder(ctx.In("encoder"), sourceVocab, cfg.Embedding, cfg.Hidden, cfg.Bidirectional, initializer)
	dec := newDecoder(ctx.In("decoder"), targetVocab, cfg.Embedding, enc.Width(), cfg.Attention, initializer)
	return &Model{Config: cfg, Tokens: tokens, Backend: backend, Context: ctx, Encoder: enc, Decoder: dec}, nil
}

// Variant returns a short name of the architecture, e.g. "bigru-attention".
func (m *Model) Variant() string {
	return m.Config.Variant()
}

// SourceVocabSize returns the number of source tokens the model embeds.
func (m *Model) SourceVocabSize() int { return m.Encoder.VocabSize }

// TargetVocabSize returns the number of target tokens the model predicts.
func (m *Model) TargetVocabSize() int { return m.Decoder.VocabSize }

// Param is a model parameter and its snapshot name.
type Param struct {
	Name string
	*context.Variable
}

// Params returns all trainable parameters, in a fixed order.
func (m *Model) Params() []Param {
	vars := append(m.Encoder.variables(), m.Decoder.variables()...)
	params := make([]Param, len(vars))
	for i, v := range vars {
		params[i] = Param{Name: paramName(v), Variable: v}
	}
	return params
}

// NumParams returns the number of scalar parameters of the model.
func (m *Model) NumParams() int {
	var n int
	for _, p := range m.Params() {
		n += p.Shape().Size()
	}
	return n
}

// paramName joins the variable scope and name with dots, e.g. "encoder.forward.wz".
func paramName(v *context.Variable) string {
	parts := strings.Split(strings.Trim(v.Scope(), context.ScopeSeparator), context.ScopeSeparator)
	return strings.Join(append(parts, v.Name()), ".")
}

// LossInputs converts a batch to the inputs of LossGraph, in order: source tokens, batch sizes
// and lengths, target tokens and lengths. Rows are sorted by descending source length.
func (m *Model) LossInputs(pb *batch.PairBatch) ([]any, error) {
	if err := checkBatch(pb.Source, m.SourceVocabSize(), "source"); err != nil {
		return nil, err
	}
	if err := checkBatch(pb.Target, m.TargetVocabSize(), "target"); err != nil {
		return nil, err
	}
	if pb.Source.Size() != pb.Target.Size() {
		return nil, errors.Errorf("batch has %d source rows and %d target rows", pb.Source.Size(), pb.Target.Size())
	}
	sorted, _ := pb.Sorted()
	srcTokens, srcSizes, srcLengths, err := sourceInputs(sorted.Source)
	if err != nil {
		return nil, err
	}
	tgtTokens, tgtLengths := tokenInputs(sorted.Target)
	return []any{srcTokens, srcSizes, srcLengths, tgtTokens, tgtLengths}, nil
}

// LossGraph builds the summed masked negative log-likelihood of the targets, for inputs as
// returned by LossInputs.
//
// With teacherForcing the decoder is fed the true previous target token, otherwise its own
// previous prediction.
func (m *Model) LossGraph(inputs []*Node, teacherForcing bool) *Node {
	source, sourceSizes, sourceLengths := inputs[0], inputs[1], inputs[2]
	target, targetLengths := inputs[3], inputs[4]
	memory, h := m.Encoder.EncodeGraph(source, sourceSizes)
	mask := sequenceMask(sourceLengths, source.Shape().Dim(1))
	logProbs, _ := m.Decoder.DecodeGraph(target, targetLengths, h, memory, mask, m.Tokens.SOS, teacherForcing)
	return MaskedNLL(logProbs, target, targetLengths)
}

// checkBatch verifies p is well-formed, non-empty and all its tokens are valid indices of a
// vocabulary with vocabSize entries.
func checkBatch(p *batch.Padded, vocabSize int, side string) error {
	if err := p.Validate(); err != nil {
		return errors.WithMessagef(err, "%s batch", side)
	}
	for i, length := range p.Lengths {
		if length <= 0 {
			return errors.Errorf("%s row %d is empty", side, i)
		}
	}
	for i, row := range p.Tokens {
		for j, tok := range row {
			if tok < 0 || tok >= vocabSize {
				return errors.Errorf("%s token %d at row %d position %d is out of the vocabulary range [0, %d)",
					side, tok, i, j, vocabSize)
			}
		}
	}
	return nil
}

// sourceInputs converts a batch sorted by descending length to the encoder inputs.
func sourceInputs(p *batch.Padded) (tokens [][]int32, sizes, lengths []int32, err error) {
	batchSizes, err := p.BatchSizes()
	if err != nil {
		return nil, nil, nil, err
	}
	tokens, lengths = tokenInputs(p)
	return tokens, toInt32(batchSizes), lengths, nil
}

func tokenInputs(p *batch.Padded) (tokens [][]int32, lengths []int32) {
	tokens = make([][]int32, len(p.Tokens))
	for i, row := range p.Tokens {
		tokens[i] = make([]int32, len(row))
		for j, tok := range row {
			tokens[i][j] = int32(tok)
		}
	}
	return tokens, toInt32(p.Lengths)
}

func toInt32(values []int) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out
}
