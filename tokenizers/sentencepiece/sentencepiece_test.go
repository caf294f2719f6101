package sentencepiece

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelFromEnv returns a tokenizer for the model pointed by $NMT_SENTENCEPIECE_MODEL, or skips the test.
func modelFromEnv(t *testing.T) *Tokenizer {
	path := os.Getenv("NMT_SENTENCEPIECE_MODEL")
	if path == "" {
		t.Skip("NMT_SENTENCEPIECE_MODEL not set")
	}
	tok, err := New(path)
	require.NoError(t, err)
	return tok
}

func TestNewMissingModel(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.model"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestJoin(t *testing.T) {
	testCases := []struct {
		pieces []string
		want   string
	}{
		{nil, ""},
		{[]string{"▁hello"}, "hello"},
		{[]string{"▁hel", "lo", "▁world"}, "hello world"},
		{[]string{"abc", "▁d"}, "abc d"},
	}
	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Join(tc.pieces))
		})
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	tok := modelFromEnv(t)
	for _, input := range []string{"hello world", "The quick brown fox jumps over the lazy dog."} {
		t.Run(input, func(t *testing.T) {
			pieces := tok.Segment(input)
			require.NotEmpty(t, pieces)
			for _, piece := range pieces {
				assert.False(t, strings.ContainsAny(piece, " \t"), "piece %q has whitespace", piece)
			}
			assert.Equal(t, input, Join(pieces))
			assert.Len(t, tok.Encode(input), len(tok.Processor.Encode(input)))
		})
	}
}
