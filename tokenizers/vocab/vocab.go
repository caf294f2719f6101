// Package vocab implements the per-language Vocabulary: a bidirectional, frequency-tracking
// mapping between tokens and integer indices, with fixed indices for the reserved tokens.
package vocab

import (
	"encoding/json"
	"strings"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/tokenizers/api"
	"github.com/pkg/errors"
)

// Vocabulary maps tokens to indices and back.
//
// Indices are assigned in insertion order, after the reserved tokens configured by config.Tokens.
// It grows while ingesting the training corpus and should be frozen (see Freeze) before being
// used on validation and test data.
type Vocabulary struct {
	Name string

	reserved config.Tokens
	index    map[string]int
	tokens   []string
	counts   []int
	frozen   bool
}

// Compile time assert that Vocabulary implements api.Tokenizer interface.
var _ api.Tokenizer = &Vocabulary{}

// New creates an empty Vocabulary with only the reserved tokens.
func New(name string, reserved config.Tokens) (*Vocabulary, error) {
	if err := reserved.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "vocabulary %q", name)
	}
	v := &Vocabulary{
		Name:     name,
		reserved: reserved,
		index:    make(map[string]int),
		tokens:   make([]string, reserved.Reserved()),
		counts:   make([]int, reserved.Reserved()),
	}
	// Reserved slots are named but not indexed: a corpus word spelled like a reserved token gets
	// its own index. PAD may share its slot with SOS, which then names it.
	for _, tok := range api.SpecialTokens() {
		v.tokens[v.special(tok)] = tok.String()
	}
	return v, nil
}

func (v *Vocabulary) special(tok api.SpecialToken) int {
	switch tok {
	case api.TokPad:
		return v.reserved.PAD
	case api.TokStartOfSentence:
		return v.reserved.SOS
	case api.TokEndOfSentence:
		return v.reserved.EOS
	case api.TokUnknown:
		return v.reserved.UNK
	}
	return -1
}

// Reserved returns the reserved token layout of the vocabulary.
func (v *Vocabulary) Reserved() config.Tokens { return v.reserved }

// PAD index.
func (v *Vocabulary) PAD() int { return v.reserved.PAD }

// SOS index.
func (v *Vocabulary) SOS() int { return v.reserved.SOS }

// EOS index.
func (v *Vocabulary) EOS() int { return v.reserved.EOS }

// UNK index.
func (v *Vocabulary) UNK() int { return v.reserved.UNK }

// Len returns the number of assigned indices, reserved ones included.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// Freeze stops the vocabulary from growing: further AddToken calls fail.
func (v *Vocabulary) Freeze() { v.frozen = true }

// Frozen reports whether Freeze was called.
func (v *Vocabulary) Frozen() bool { return v.frozen }

// AddSentence splits text on whitespace and adds each token.
func (v *Vocabulary) AddSentence(text string) error {
	for _, token := range strings.Fields(text) {
		if err := v.AddToken(token); err != nil {
			return err
		}
	}
	return nil
}

// AddToken assigns the next index to an unseen token, with count 1, or increments the count
// of a known one.
func (v *Vocabulary) AddToken(token string) error {
	if id, found := v.index[token]; found {
		v.counts[id]++
		return nil
	}
	if v.frozen {
		return errors.Errorf("vocabulary %q is frozen, can't add token %q", v.Name, token)
	}
	v.index[token] = len(v.tokens)
	v.tokens = append(v.tokens, token)
	v.counts = append(v.counts, 1)
	return nil
}

// IndexOf returns the index of token, or the UNK index if it's not in the vocabulary.
func (v *Vocabulary) IndexOf(token string) int {
	if id, found := v.index[token]; found {
		return id
	}
	return v.reserved.UNK
}

// Contains reports whether token has been assigned an index. Reserved tokens are not.
func (v *Vocabulary) Contains(token string) bool {
	_, found := v.index[token]
	return found
}

// TokenOf returns the token for the given index.
//
// It panics if index was never assigned: indices come from this same vocabulary, so an
// out-of-range index is a bug upstream.
func (v *Vocabulary) TokenOf(index int) string {
	if index < 0 || index >= len(v.tokens) {
		panic(errors.Errorf("vocabulary %q: index %d out of range [0, %d)", v.Name, index, len(v.tokens)))
	}
	return v.tokens[index]
}

// Count returns how many times token was added, 0 for unknown tokens.
func (v *Vocabulary) Count(token string) int {
	if id, found := v.index[token]; found {
		return v.counts[id]
	}
	return 0
}

// Indices maps each whitespace separated token of text to its index, unknown ones to UNK.
func (v *Vocabulary) Indices(text string) []int {
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, field := range fields {
		ids[i] = v.IndexOf(field)
	}
	return ids
}

// Encode returns the indices of the tokens of text, terminated by EOS.
// It implements api.Tokenizer.
func (v *Vocabulary) Encode(text string) []int {
	return append(v.Indices(text), v.reserved.EOS)
}

// Decode returns the text of the given indices. It stops at the first EOS and skips SOS and PAD.
// It implements api.Tokenizer.
func (v *Vocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == v.reserved.EOS {
			break
		}
		if id == v.reserved.SOS || id == v.reserved.PAD {
			continue
		}
		words = append(words, v.TokenOf(id))
	}
	return strings.Join(words, " ")
}

// SpecialTokenID returns the index of a reserved token.
// It implements api.Tokenizer.
func (v *Vocabulary) SpecialTokenID(token api.SpecialToken) (int, error) {
	id := v.special(token)
	if id < 0 {
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	return id, nil
}

// Reference rewrites a reference sentence so that words unknown to the vocabulary become the UNK
// token, which is what a model trained on this vocabulary can at best produce.
func (v *Vocabulary) Reference(text string) string {
	fields := strings.Fields(text)
	for i, field := range fields {
		if !v.Contains(field) {
			fields[i] = api.TokUnknown.String()
		}
	}
	return strings.Join(fields, " ")
}

type jsonVocabulary struct {
	Name     string        `json:"name"`
	Reserved config.Tokens `json:"reserved"`
	Tokens   []string      `json:"tokens"`
	Counts   []int         `json:"counts"`
	Frozen   bool          `json:"frozen"`
}

// MarshalJSON implements json.Marshaler.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonVocabulary{
		Name:     v.Name,
		Reserved: v.reserved,
		Tokens:   v.tokens[v.reserved.Reserved():],
		Counts:   v.counts[v.reserved.Reserved():],
		Frozen:   v.frozen,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var j jsonVocabulary
	if err := json.Unmarshal(data, &j); err != nil {
		return errors.Wrap(err, "failed to parse vocabulary")
	}
	if len(j.Tokens) != len(j.Counts) {
		return errors.Errorf("vocabulary %q has %d tokens but %d counts", j.Name, len(j.Tokens), len(j.Counts))
	}
	loaded, err := New(j.Name, j.Reserved)
	if err != nil {
		return err
	}
	for i, token := range j.Tokens {
		if loaded.Contains(token) {
			return errors.Errorf("vocabulary %q has duplicate token %q", j.Name, token)
		}
		if err := loaded.AddToken(token); err != nil {
			return err
		}
		loaded.counts[len(loaded.counts)-1] = j.Counts[i]
	}
	loaded.frozen = j.Frozen
	*v = *loaded
	return nil
}
