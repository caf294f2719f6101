// Package config holds the explicit configuration object passed to every component of the
// translation pipeline: reserved token layout, corpus preparation, model shape and training.
//
// Configuration is read from YAML files (see Load), and anything not set falls back to Default().
package config

import (
	"bytes"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tokens configures the fixed indices of the reserved tokens.
//
// The distinct reserved indices must form the contiguous range 0..n-1, and ordinary tokens are
// assigned from n upwards. PAD may share its index with SOS, since masking is always driven by
// true lengths and never by token values.
type Tokens struct {
	PAD int `yaml:"pad"`
	SOS int `yaml:"sos"`
	EOS int `yaml:"eos"`
	UNK int `yaml:"unk"`
}

// Reserved returns the number of leading indices occupied by reserved tokens.
func (t Tokens) Reserved() int {
	return len(t.distinct())
}

func (t Tokens) distinct() []int {
	ids := []int{t.PAD, t.SOS, t.EOS, t.UNK}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Validate checks the reserved layout.
func (t Tokens) Validate() error {
	for name, id := range map[string]int{"pad": t.PAD, "sos": t.SOS, "eos": t.EOS, "unk": t.UNK} {
		if id < 0 {
			return errors.Errorf("reserved token %s has negative index %d", name, id)
		}
	}
	if t.EOS == t.SOS || t.EOS == t.UNK || t.EOS == t.PAD {
		return errors.Errorf("eos index %d must not be shared with other reserved tokens", t.EOS)
	}
	if t.UNK == t.SOS || t.UNK == t.PAD {
		return errors.Errorf("unk index %d must not be shared with other reserved tokens", t.UNK)
	}
	for i, id := range t.distinct() {
		if i != id {
			return errors.Errorf("reserved token indices %v must be contiguous from 0", t.distinct())
		}
	}
	return nil
}

// Overflow policy for sentences longer than Corpus.MaxLength.
type Overflow string

const (
	// OverflowFilter drops the whole pair.
	OverflowFilter Overflow = "filter"
	// OverflowTruncate keeps the first MaxLength-1 words of each side, leaving room for EOS.
	OverflowTruncate Overflow = "truncate"
)

// Corpus configures corpus preparation. The same settings are applied to every split.
type Corpus struct {
	// MaxLength bounds sentence length in words, EOS included: a side with MaxLength or more words
	// (before EOS) overflows.
	MaxLength int      `yaml:"max_length"`
	Overflow  Overflow `yaml:"overflow"`

	// NormalizeSource and NormalizeTarget toggle text normalization per side. Scripts without
	// word-level latin text (e.g. pre-segmented Chinese) must keep their side unnormalized.
	NormalizeSource bool `yaml:"normalize_source"`
	NormalizeTarget bool `yaml:"normalize_target"`

	// SourceSentencePiece, if set, is the path to a SentencePiece model used to segment source
	// sentences into subword pieces before building the vocabulary.
	SourceSentencePiece string `yaml:"source_sentencepiece"`

	// Limit reads at most Limit lines of each file. 0 means no limit.
	Limit int `yaml:"limit"`
}

// Model configures the encoder-decoder architecture.
type Model struct {
	Embedding     int     `yaml:"embedding"`
	Hidden        int     `yaml:"hidden"`
	Bidirectional bool    `yaml:"bidirectional"`
	Attention     bool    `yaml:"attention"`
	InitScale     float64 `yaml:"init_scale"`
	Seed          uint64  `yaml:"seed"`
}

// Variant returns a short name of the architecture, e.g. "bigru-attention".
// Training runs are saved under it.
func (m Model) Variant() string {
	name := "gru"
	if m.Bidirectional {
		name = "bigru"
	}
	if m.Attention {
		name += "-attention"
	}
	return name
}

// Optimizer names.
const (
	OptimizerSGD      = "sgd"
	OptimizerAdadelta = "adadelta"
)

// Search strategy names.
const (
	SearchGreedy = "greedy"
	SearchBeam   = "beam"
)

// Loss reduction names.
const (
	ReductionMean = "mean"
	ReductionSum  = "sum"
)

// Train configures the training loop and the evaluation run during training.
type Train struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Rho          float64 `yaml:"rho"`
	Epsilon      float64 `yaml:"epsilon"`
	Clip         float64 `yaml:"clip"`
	Reduction    string  `yaml:"reduction"`

	// TeacherForcing is the probability of training a batch with teacher forcing. The rest of the
	// batches are trained feeding the decoder its own greedy predictions.
	TeacherForcing float64 `yaml:"teacher_forcing"`

	PrintEvery int `yaml:"print_every"`
	PlotEvery  int `yaml:"plot_every"`
	// EvalEvery is the validation cadence in steps. 0 evaluates at the PlotEvery cadence.
	EvalEvery int `yaml:"eval_every"`

	Search          string `yaml:"search"`
	BeamWidth       int    `yaml:"beam_width"`
	MaxGeneration   int    `yaml:"max_generation"`
	ValidationLimit int    `yaml:"validation_limit"`

	Seed uint64 `yaml:"seed"`
}

// Store configures where artifacts are persisted.
type Store struct {
	Dir string `yaml:"dir"`
}

// Config is the full pipeline configuration.
type Config struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`

	Tokens Tokens `yaml:"tokens"`
	Corpus Corpus `yaml:"corpus"`
	Model  Model  `yaml:"model"`
	Train  Train  `yaml:"train"`
	Store  Store  `yaml:"store"`
}

// Pair returns the language pair name, e.g. "vi-en".
func (c *Config) Pair() string {
	return c.Source + "-" + c.Target
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Source: "vi",
		Target: "en",
		Tokens: Tokens{PAD: 0, SOS: 0, EOS: 1, UNK: 2},
		Corpus: Corpus{
			MaxLength:       50,
			Overflow:        OverflowFilter,
			NormalizeSource: true,
			NormalizeTarget: true,
		},
		Model: Model{
			Embedding: 256,
			Hidden:    256,
			InitScale: 0.1,
			Seed:      42,
		},
		Train: Train{
			Epochs:         10,
			BatchSize:      32,
			Optimizer:      OptimizerAdadelta,
			LearningRate:   1.0,
			Rho:            0.9,
			Epsilon:        1e-6,
			Clip:           5.0,
			Reduction:      ReductionMean,
			TeacherForcing: 1.0,
			PrintEvery:     100,
			PlotEvery:      100,
			Search:         SearchGreedy,
			BeamWidth:      3,
			MaxGeneration:  50,
			Seed:           42,
		},
		Store: Store{Dir: "artifacts"},
	}
}

// Load reads a YAML configuration file on top of Default(). Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration %q", path)
	}
	return c, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal configuration")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write configuration %q", path)
	}
	return nil
}

// Validate checks all settings, returning the first problem found.
func (c *Config) Validate() error {
	if c.Source == "" || c.Target == "" {
		return errors.New("source and target languages must be set")
	}
	if err := c.Tokens.Validate(); err != nil {
		return err
	}
	if c.Corpus.MaxLength < 2 {
		return errors.Errorf("corpus.max_length must be at least 2, got %d", c.Corpus.MaxLength)
	}
	if c.Corpus.Overflow != OverflowFilter && c.Corpus.Overflow != OverflowTruncate {
		return errors.Errorf("unknown corpus.overflow %q", c.Corpus.Overflow)
	}
	if c.Model.Embedding <= 0 || c.Model.Hidden <= 0 {
		return errors.Errorf("model dimensions must be positive, got embedding=%d hidden=%d", c.Model.Embedding, c.Model.Hidden)
	}
	t := &c.Train
	if t.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be positive, got %d", t.BatchSize)
	}
	if t.Epochs < 0 {
		return errors.Errorf("train.epochs must not be negative, got %d", t.Epochs)
	}
	if t.Optimizer != OptimizerSGD && t.Optimizer != OptimizerAdadelta {
		return errors.Errorf("unknown train.optimizer %q", t.Optimizer)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be positive, got %g", t.LearningRate)
	}
	if t.Optimizer == OptimizerAdadelta && (t.Rho < 0 || t.Rho >= 1 || t.Epsilon <= 0) {
		return errors.Errorf("adadelta needs train.rho in [0, 1) and a positive train.epsilon, got rho=%g epsilon=%g", t.Rho, t.Epsilon)
	}
	if t.Reduction != ReductionMean && t.Reduction != ReductionSum {
		return errors.Errorf("unknown train.reduction %q", t.Reduction)
	}
	if t.TeacherForcing < 0 || t.TeacherForcing > 1 {
		return errors.Errorf("train.teacher_forcing must be in [0, 1], got %g", t.TeacherForcing)
	}
	if t.Search != SearchGreedy && t.Search != SearchBeam {
		return errors.Errorf("unknown train.search %q", t.Search)
	}
	if t.Search == SearchBeam && t.BeamWidth <= 0 {
		return errors.Errorf("train.beam_width must be positive for beam search, got %d", t.BeamWidth)
	}
	if t.MaxGeneration <= 0 {
		return errors.Errorf("train.max_generation must be positive, got %d", t.MaxGeneration)
	}
	if t.PrintEvery < 0 || t.PlotEvery < 0 || t.EvalEvery < 0 {
		return errors.New("train cadences must not be negative")
	}
	return nil
}
