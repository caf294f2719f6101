// Package api defines the Tokenizer API shared by the vocabulary and the subword segmenters.
// It's kept separate to break cyclic dependencies between the corpus preparation and the
// tokenizer implementations.
package api

import "fmt"

// Tokenizer interface allows one to convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// Segmenter splits a sentence into the pieces (words or subwords) that become vocabulary tokens.
type Segmenter interface {
	Segment(text string) []string
}

// SpecialToken is an enum of the reserved tokens of a translation vocabulary.
type SpecialToken int

const (
	TokPad SpecialToken = iota
	TokStartOfSentence
	TokEndOfSentence
	TokUnknown
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{"PAD", "SOS", "EOS", "UNK"}

// String returns the conventional surface form of the special token, e.g. "EOS".
func (t SpecialToken) String() string {
	if t < 0 || t >= TokSpecialTokensCount {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// SpecialTokens lists all special tokens in enum order.
func SpecialTokens() []SpecialToken {
	tokens := make([]SpecialToken, TokSpecialTokensCount)
	for i := range tokens {
		tokens[i] = SpecialToken(i)
	}
	return tokens
}
