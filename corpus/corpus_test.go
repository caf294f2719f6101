package corpus

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/go-nmt/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		input, want string
	}{
		{"Hello, World!", "hello world !"},
		{"  Tôi là sinh viên.  ", "toi la sinh vien ."},
		{"Crème brûlée?", "creme brulee ?"},
		{"It's 5 o'clock", "it s o clock"},
		{"wait...what", "wait . . .what"},
		{"", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := Normalize(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func writeLines(t *testing.T, dir, name string, lines ...string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestReadParallel(t *testing.T) {
	dir := t.TempDir()
	src := writeLines(t, dir, "train.vi", "a", "b", "c")
	tgt := writeLines(t, dir, "train.en", "x", "y", "z")

	pairs, err := ReadParallel(src, tgt, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, RawPair{Line: 2, Source: "b", Target: "y"}, pairs[1])

	pairs, err = ReadParallel(src, tgt, 2)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	short := writeLines(t, dir, "short.en", "x", "y")
	_, err = ReadParallel(src, short, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misaligned")

	_, err = ReadParallel(src, filepath.Join(dir, "missing"), 0)
	require.Error(t, err)
}

func TestReadParallelMisalignedBeyondLimit(t *testing.T) {
	dir := t.TempDir()
	numbered := func(n int) []string {
		lines := make([]string, n)
		for i := range lines {
			lines[i] = strconv.Itoa(i)
		}
		return lines
	}
	src := writeLines(t, dir, "train.vi", numbered(10)...)
	tgt := writeLines(t, dir, "train.en", numbered(6)...)
	for _, limit := range []int{0, 4, 6, 20} {
		t.Run(strconv.Itoa(limit), func(t *testing.T) {
			_, err := ReadParallel(src, tgt, limit)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "10 lines")
		})
	}
}

func TestPrepare(t *testing.T) {
	raw := []RawPair{
		{Line: 1, Source: "The cat sat", Target: "Le chat"},
		{Line: 2, Source: "a dog ran far away", Target: "un chien"},
		{Line: 3, Source: "a cat", Target: "un chat"},
	}
	reserved := config.Default().Tokens

	t.Run("filter", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 4, Overflow: config.OverflowFilter, NormalizeSource: true, NormalizeTarget: true}, nil)
		srcVocab, tgtVocab, err := p.Vocabularies(raw, "en", "fr", reserved)
		require.NoError(t, err)
		assert.True(t, srcVocab.Frozen())
		assert.False(t, srcVocab.Contains("dog"))
		assert.Equal(t, 3, srcVocab.IndexOf("the"))

		ds, err := p.Prepare(raw, srcVocab, tgtVocab)
		require.NoError(t, err)
		require.Equal(t, 2, ds.Len())
		assert.Equal(t, []int{3, 4, 5, reserved.EOS}, ds.Pairs[0].Source)
		assert.Equal(t, "le chat", ds.Pairs[0].Reference)
		assert.Equal(t, "the cat sat", ds.Pairs[0].SourceText)

		// Validation data with unseen words.
		ds, err = p.Prepare([]RawPair{{Line: 1, Source: "the bird", Target: "le oiseau"}}, srcVocab, tgtVocab)
		require.NoError(t, err)
		assert.Equal(t, []int{3, reserved.UNK, reserved.EOS}, ds.Pairs[0].Source)
		assert.Equal(t, "le UNK", ds.Pairs[0].Reference)
	})

	t.Run("truncate", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 4, Overflow: config.OverflowTruncate, NormalizeSource: true, NormalizeTarget: true}, nil)
		srcVocab, tgtVocab, err := p.Vocabularies(raw, "en", "fr", reserved)
		require.NoError(t, err)
		ds, err := p.Prepare(raw, srcVocab, tgtVocab)
		require.NoError(t, err)
		require.Equal(t, 3, ds.Len())
		assert.Equal(t, "a dog ran", ds.Pairs[1].SourceText)
		assert.Len(t, ds.Pairs[1].Source, 4)
	})

	t.Run("unnormalized source", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 10, Overflow: config.OverflowFilter, NormalizeTarget: true}, nil)
		src, tgt, ok, err := p.Clean(RawPair{Line: 1, Source: "我 爱 你", Target: "I love you!"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "我 爱 你", src)
		assert.Equal(t, "i love you !", tgt)
	})

	t.Run("segmenter", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 10, Overflow: config.OverflowFilter}, splitRunes{})
		src, _, ok, err := p.Clean(RawPair{Line: 1, Source: "我爱你", Target: "x"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "我 爱 你", src)
	})

	t.Run("clean source", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 10, Overflow: config.OverflowFilter, NormalizeSource: true}, nil)
		src, err := p.CleanSource("  The Cat   sat!")
		require.NoError(t, err)
		assert.Equal(t, "the cat sat !", src)
	})

	for _, overflow := range []config.Overflow{config.OverflowFilter, config.OverflowTruncate} {
		t.Run("clean long source/"+string(overflow), func(t *testing.T) {
			p := NewPreparer(config.Corpus{MaxLength: 3, Overflow: overflow, NormalizeSource: true}, nil)
			src, err := p.CleanSource("The Cat sat!")
			require.NoError(t, err)
			assert.Equal(t, "the cat", src)
			src, err = p.CleanSource("The Cat")
			require.NoError(t, err)
			assert.Equal(t, "the cat", src)
		})
	}

	t.Run("empty", func(t *testing.T) {
		p := NewPreparer(config.Corpus{MaxLength: 10, Overflow: config.OverflowFilter, NormalizeSource: true}, nil)
		_, _, _, err := p.Clean(RawPair{Line: 7, Source: "1234", Target: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 7")
	})
}

type splitRunes struct{}

func (splitRunes) Segment(text string) []string {
	var pieces []string
	for _, r := range text {
		pieces = append(pieces, string(r))
	}
	return pieces
}

func TestDatasetParquet(t *testing.T) {
	ds := &Dataset{Pairs: []Pair{
		{Source: []int{3, 4, 1}, Target: []int{5, 1}, SourceText: "a b", Reference: "c"},
		{Source: []int{6, 1}, Target: []int{7, 8, 9, 1}, SourceText: "d", Reference: "e UNK g"},
	}}
	path := filepath.Join(t.TempDir(), "train.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, ds.WriteParquet(f))
	require.NoError(t, f.Close())

	loaded, err := ReadParquet(path)
	require.NoError(t, err)
	assert.Equal(t, ds, loaded)
	assert.Equal(t, 1, loaded.Head(1).Len())
	assert.Equal(t, 2, loaded.Head(0).Len())
}
