package corpus

import (
	"strings"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/tokenizers/api"
	"github.com/gomlx/go-nmt/tokenizers/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair is a prepared sentence pair: both sides are vocabulary indices terminated by EOS.
//
// Pairs are immutable once prepared.
type Pair struct {
	Source []int
	Target []int

	// SourceText is the cleaned source sentence the indices were built from.
	SourceText string
	// Reference is the cleaned target sentence with words unknown to the target vocabulary replaced
	// by UNK: the reference used for scoring.
	Reference string
}

// Preparer turns raw pairs into Pairs, applying the same cleaning and length policy to every split.
type Preparer struct {
	cfg       config.Corpus
	segmenter api.Segmenter
}

// NewPreparer creates a Preparer. segmenter is optional: if nil, the source side is split on
// whitespace only.
func NewPreparer(cfg config.Corpus, segmenter api.Segmenter) *Preparer {
	return &Preparer{cfg: cfg, segmenter: segmenter}
}

// Clean normalizes and segments each side of the pair according to the configuration, and
// applies the overflow policy.
//
// It returns ok=false if the pair is filtered out. An empty side is an error.
func (p *Preparer) Clean(raw RawPair) (source, target string, ok bool, err error) {
	source, err = p.cleanSide(raw.Source, p.cfg.NormalizeSource, p.segmenter)
	if err != nil {
		return "", "", false, errors.WithMessagef(err, "line %d source", raw.Line)
	}
	target, err = p.cleanSide(raw.Target, p.cfg.NormalizeTarget, nil)
	if err != nil {
		return "", "", false, errors.WithMessagef(err, "line %d target", raw.Line)
	}
	if source == "" || target == "" {
		return "", "", false, errors.Errorf("line %d: empty sentence after cleaning (source=%q, target=%q)",
			raw.Line, raw.Source, raw.Target)
	}
	source, okSource := p.fit(source)
	target, okTarget := p.fit(target)
	return source, target, okSource && okTarget, nil
}

// CleanSource normalizes and segments a source sentence the way Clean does, for translation of
// new input, and fits it to MaxLength.
//
// A line can't be filtered out of a translation, so a long sentence is truncated under both
// overflow policies, with a warning under OverflowFilter.
func (p *Preparer) CleanSource(text string) (string, error) {
	source, err := p.cleanSide(text, p.cfg.NormalizeSource, p.segmenter)
	if err != nil {
		return "", err
	}
	fitted, ok := p.fit(source)
	if ok {
		return fitted, nil
	}
	klog.Warningf("source sentence has more than %d words, translating only the first %d: %q",
		p.cfg.MaxLength-1, p.cfg.MaxLength-1, source)
	return truncate(source, p.cfg.MaxLength-1), nil
}

func (p *Preparer) cleanSide(text string, normalize bool, segmenter api.Segmenter) (string, error) {
	if normalize {
		var err error
		text, err = Normalize(text)
		if err != nil {
			return "", err
		}
	}
	if segmenter != nil {
		return strings.Join(segmenter.Segment(text), " "), nil
	}
	return strings.Join(strings.Fields(text), " "), nil
}

// fit applies the overflow policy to a sentence: sentences must have fewer than MaxLength words,
// leaving room for EOS.
func (p *Preparer) fit(sentence string) (string, bool) {
	words := strings.Fields(sentence)
	if len(words) < p.cfg.MaxLength {
		return sentence, true
	}
	if p.cfg.Overflow == config.OverflowTruncate {
		return truncate(sentence, p.cfg.MaxLength-1), true
	}
	return "", false
}

// truncate keeps the first n words of sentence.
func truncate(sentence string, n int) string {
	words := strings.Fields(sentence)
	return strings.Join(words[:min(n, len(words))], " ")
}

// Vocabularies builds the source and target vocabularies from the training split and freezes them.
func (p *Preparer) Vocabularies(raw []RawPair, source, target string, reserved config.Tokens) (*vocab.Vocabulary, *vocab.Vocabulary, error) {
	srcVocab, err := vocab.New(source, reserved)
	if err != nil {
		return nil, nil, err
	}
	tgtVocab, err := vocab.New(target, reserved)
	if err != nil {
		return nil, nil, err
	}
	for _, pair := range raw {
		src, tgt, ok, err := p.Clean(pair)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if err := srcVocab.AddSentence(src); err != nil {
			return nil, nil, err
		}
		if err := tgtVocab.AddSentence(tgt); err != nil {
			return nil, nil, err
		}
	}
	srcVocab.Freeze()
	tgtVocab.Freeze()
	return srcVocab, tgtVocab, nil
}

// Prepare cleans raw pairs and maps them to indices with the given (frozen) vocabularies.
func (p *Preparer) Prepare(raw []RawPair, srcVocab, tgtVocab *vocab.Vocabulary) (*Dataset, error) {
	ds := &Dataset{Pairs: make([]Pair, 0, len(raw))}
	var filtered int
	for _, pair := range raw {
		src, tgt, ok, err := p.Clean(pair)
		if err != nil {
			return nil, err
		}
		if !ok {
			filtered++
			continue
		}
		ds.Pairs = append(ds.Pairs, Pair{
			Source:     srcVocab.Encode(src),
			Target:     tgtVocab.Encode(tgt),
			SourceText: src,
			Reference:  tgtVocab.Reference(tgt),
		})
	}
	if filtered > 0 {
		klog.V(1).Infof("%s-%s: filtered %d of %d pairs longer than %d words",
			srcVocab.Name, tgtVocab.Name, filtered, len(raw), p.cfg.MaxLength)
	}
	return ds, nil
}
