package decode

import (
	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/tokenizers/api"
	"github.com/pkg/errors"
)

// Translator decodes source batches into target sentences.
type Translator struct {
	Model  Model
	Target api.Tokenizer
	Tokens config.Tokens

	// Search is config.SearchGreedy or config.SearchBeam.
	Search    string
	BeamWidth int
	MaxLength int
}

// NewTranslator creates a Translator with the search settings of cfg.
func NewTranslator(m Model, target api.Tokenizer, tokens config.Tokens, cfg config.Train) *Translator {
	return &Translator{
		Model:     m,
		Target:    target,
		Tokens:    tokens,
		Search:    cfg.Search,
		BeamWidth: cfg.BeamWidth,
		MaxLength: cfg.MaxGeneration,
	}
}

func (t *Translator) options() Options {
	return Options{SOS: t.Tokens.SOS, EOS: t.Tokens.EOS, MaxLength: t.MaxLength}
}

// Sequences returns the generated token sequences of each row of source, as produced by the
// search strategy (EOS included if generated).
func (t *Translator) Sequences(source *batch.Padded) ([][]int, error) {
	switch t.Search {
	case config.SearchGreedy:
		return Greedy(t.Model, source, t.options())
	case config.SearchBeam:
		results, err := Beam(t.Model, source, t.BeamWidth, t.options())
		if err != nil {
			return nil, err
		}
		seqs := make([][]int, len(results))
		for i, r := range results {
			seqs[i] = r.Best.Tokens
		}
		return seqs, nil
	}
	return nil, errors.Errorf("unknown search strategy %q", t.Search)
}

// Translate returns the target sentence of each row of source.
func (t *Translator) Translate(source *batch.Padded) ([]string, error) {
	seqs, err := t.Sequences(source)
	if err != nil {
		return nil, err
	}
	sentences := make([]string, len(seqs))
	for i, seq := range seqs {
		sentences[i] = t.Target.Decode(t.Strip(seq))
	}
	return sentences, nil
}

// Strip removes the reserved SOS, EOS and PAD tokens, and anything after the first EOS.
func (t *Translator) Strip(seq []int) []int {
	stripped := make([]int, 0, len(seq))
	for _, token := range seq {
		if token == t.Tokens.EOS {
			break
		}
		if token == t.Tokens.SOS || token == t.Tokens.PAD {
			continue
		}
		stripped = append(stripped, token)
	}
	return stripped
}

// TranslateDataset translates all source sentences of ds, in dataset order, decoding batchSize
// sentences at a time. It returns the hypotheses and the references of the pairs.
func (t *Translator) TranslateDataset(ds *corpus.Dataset, batchSize int) (hypotheses, references []string, err error) {
	hypotheses = make([]string, 0, ds.Len())
	references = make([]string, 0, ds.Len())
	for pb, err := range batch.IterBatches(ds, batchSize, t.Tokens.PAD, nil) {
		if err != nil {
			return nil, nil, err
		}
		translated, err := t.Translate(pb.Source)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "translating pairs %v", pb.Indices)
		}
		hypotheses = append(hypotheses, translated...)
		for _, idx := range pb.Indices {
			references = append(references, ds.Pairs[idx].Reference)
		}
	}
	return hypotheses, references, nil
}

// Evaluate translates ds and scores the translations against its references.
func (t *Translator) Evaluate(ds *corpus.Dataset, batchSize int, scorer Scorer) (float64, error) {
	hypotheses, references, err := t.TranslateDataset(ds, batchSize)
	if err != nil {
		return 0, err
	}
	score, err := scorer(hypotheses, references)
	if err != nil {
		return 0, errors.WithMessage(err, "scoring translations")
	}
	return score, nil
}
