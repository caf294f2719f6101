// Package sentencepiece implements a subword segmenter (and api.Tokenizer) based on a
// SentencePiece model file.
//
// It's used to segment source languages without whitespace word boundaries, or with large
// vocabularies, before the translation Vocabulary is built over the pieces.
package sentencepiece

import (
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-nmt/internal/files"
	"github.com/gomlx/go-nmt/tokenizers/api"
	"github.com/pkg/errors"
)

// New creates a SentencePiece tokenizer from a local model file, which must be a
// SentencePiece Model proto.
func New(modelPath string) (*Tokenizer, error) {
	if !files.Exists(modelPath) {
		return nil, errors.Errorf("sentencepiece model %q not found", modelPath)
	}
	proc, err := esentencepiece.NewProcessorFromPath(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", modelPath)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
	}, nil
}

// Tokenizer implements api.Tokenizer and api.Segmenter based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

// Compile time assert that sentencepiece.Tokenizer implements api.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// Compile time assert that sentencepiece.Tokenizer implements api.Segmenter interface.
var _ api.Segmenter = &Tokenizer{}

// metaSpace is the U+2581 character SentencePiece uses to mark a preceding space.
const metaSpace = "▁"

// Encode returns the text encoded into a sequence of SentencePiece ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// Segment returns the pieces of text, keeping the metaspace marker so the segmentation can be
// reversed with Join. Pieces made only of the marker are dropped.
func (p *Tokenizer) Segment(text string) []string {
	tokens := p.Processor.Encode(text)
	pieces := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Text == "" || tok.Text == metaSpace {
			continue
		}
		pieces = append(pieces, tok.Text)
	}
	return pieces
}

// Join reverses Segment: pieces starting with the metaspace marker start a new word.
func Join(pieces []string) string {
	var sb strings.Builder
	for _, piece := range pieces {
		if strings.HasPrefix(piece, metaSpace) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			piece = strings.TrimPrefix(piece, metaSpace)
		}
		sb.WriteString(piece)
	}
	return sb.String()
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return p.Info.UnknownID, nil
	case api.TokPad:
		return p.Info.PadID, nil
	case api.TokStartOfSentence:
		return p.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return p.Info.EndOfSentenceID, nil
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
