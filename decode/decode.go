// Package decode turns the step-wise output of a translation model into token sequences, with
// batched greedy search or per-sentence beam search.
//
// The strategies only see the model through the Model interface: encode a batch once, then step
// any subset of its rows. Use Seq2Seq to decode with a *seq2seq.Model.
package decode

import (
	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/models/seq2seq"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// State is the opaque decoder state of a set of rows.
type State interface {
	// Rows returns the number of rows in the state.
	Rows() int

	// Select returns the state of the given rows, in the given order. Rows may repeat.
	Select(rows []int) State
}

// Model is what the decoding strategies need from a translation model.
type Model interface {
	// Start encodes a source batch and returns the initial decoder state, one row per sentence.
	Start(source *batch.Padded) (State, error)

	// Step returns the log-probabilities [rows, vocabulary] of the next token of each row, given
	// its previous token, and the next state.
	Step(prev []int, state State) (*mat.Dense, State, error)
}

// Options common to all strategies.
type Options struct {
	SOS, EOS int

	// MaxLength is the maximum number of tokens generated per sentence, EOS included.
	MaxLength int
}

func (o Options) validate() error {
	if o.MaxLength <= 0 {
		return errors.Errorf("maximum generation length must be positive, got %d", o.MaxLength)
	}
	return nil
}

// Scorer computes a corpus-level quality score of hypotheses against references, higher is
// better. bleu.Corpus is one.
type Scorer func(hypotheses, references []string) (float64, error)

// Seq2Seq adapts a seq2seq.Model to the Model interface. Decoding never changes the parameters.
func Seq2Seq(m *seq2seq.Model) Model {
	return &seq2seqModel{m: m}
}

type seq2seqModel struct {
	m *seq2seq.Model
}

// Compile time assert that seq2seqModel implements Model.
var _ Model = &seq2seqModel{}

type seq2seqState struct {
	s *seq2seq.State
}

func (s seq2seqState) Rows() int { return s.s.Rows() }

func (s seq2seqState) Select(rows []int) State { return seq2seqState{s.s.Select(rows)} }

func (a *seq2seqModel) Start(source *batch.Padded) (State, error) {
	s, err := a.m.Encode(source)
	if err != nil {
		return nil, err
	}
	return seq2seqState{s}, nil
}

func (a *seq2seqModel) Step(prev []int, state State) (*mat.Dense, State, error) {
	s, ok := state.(seq2seqState)
	if !ok {
		return nil, nil, errors.Errorf("state of type %T was not created by this model", state)
	}
	out, next, err := a.m.Step(prev, s.s)
	if err != nil {
		return nil, nil, err
	}
	return out.LogProbs, seq2seqState{next}, nil
}
