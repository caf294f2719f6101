package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 3, c.Tokens.Reserved())
	assert.Equal(t, "vi-en", c.Pair())
}

func TestTokensValidate(t *testing.T) {
	testCases := []struct {
		name     string
		tokens   Tokens
		reserved int
		wantErr  string
	}{
		{"compact", Tokens{PAD: 0, SOS: 0, EOS: 1, UNK: 2}, 3, ""},
		{"separate", Tokens{PAD: 0, SOS: 1, EOS: 2, UNK: 3}, 4, ""},
		{"shared eos", Tokens{PAD: 0, SOS: 1, EOS: 1, UNK: 2}, 0, "eos"},
		{"shared unk", Tokens{PAD: 2, SOS: 0, EOS: 1, UNK: 2}, 0, "unk"},
		{"gap", Tokens{PAD: 0, SOS: 1, EOS: 2, UNK: 5}, 0, "contiguous"},
		{"negative", Tokens{PAD: -1, SOS: 0, EOS: 1, UNK: 2}, 0, "negative"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tokens.Validate()
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.reserved, tc.tokens.Reserved())
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
source: zh
target: en
corpus:
  normalize_source: false
  overflow: truncate
model:
  hidden: 16
  bidirectional: true
train:
  optimizer: sgd
  search: beam
  beam_width: 5
`), 0644))
		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "zh-en", c.Pair())
		assert.False(t, c.Corpus.NormalizeSource)
		assert.True(t, c.Corpus.NormalizeTarget)
		assert.Equal(t, OverflowTruncate, c.Corpus.Overflow)
		assert.Equal(t, 16, c.Model.Hidden)
		assert.Equal(t, 256, c.Model.Embedding)
		assert.True(t, c.Model.Bidirectional)
		assert.Equal(t, OptimizerSGD, c.Train.Optimizer)
		assert.Equal(t, 5, c.Train.BeamWidth)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model:\n  layers: 3\n"), 0644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("train:\n  optimizer: adam\n"), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "adam")
	})

	t.Run("save and load", func(t *testing.T) {
		path := filepath.Join(dir, "saved.yaml")
		c := Default()
		c.Train.Epochs = 3
		require.NoError(t, c.Save(path))
		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, c, loaded)
	})
}

func TestTrainValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Train)
		errMsg string
	}{
		{"default", func(*Train) {}, ""},
		{"zero learning rate", func(t *Train) { t.LearningRate = 0 }, "learning_rate"},
		{"rho out of range", func(t *Train) { t.Rho = 1 }, "rho"},
		{"zero epsilon", func(t *Train) { t.Epsilon = 0 }, "epsilon"},
		{"sgd ignores rho", func(t *Train) { t.Optimizer = OptimizerSGD; t.Rho = 2 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c.Train)
			err := c.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestModelVariant(t *testing.T) {
	for _, tc := range []struct {
		model Model
		want  string
	}{
		{Model{}, "gru"},
		{Model{Attention: true}, "gru-attention"},
		{Model{Bidirectional: true}, "bigru"},
		{Model{Bidirectional: true, Attention: true}, "bigru-attention"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.model.Variant())
		})
	}
}
