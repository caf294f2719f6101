package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// setup writes a tiny corpus and a configuration, and returns the configuration path and the
// store directory.
func setup(t *testing.T) (configPath, storeDir string) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	sentences := "hello world\ngood morning\nhello\ngood world\n"
	for _, split := range []string{"train", "test"} {
		writeFile(t, filepath.Join(dataDir, split+".vi"), sentences)
		writeFile(t, filepath.Join(dataDir, split+".en"), sentences)
	}

	storeDir = filepath.Join(dir, "artifacts")
	configPath = filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, `
source: vi
target: en
model:
  embedding: 8
  hidden: 8
train:
  epochs: 3
  batch_size: 2
  optimizer: sgd
  learning_rate: 0.1
  print_every: 1
  plot_every: 1
  max_generation: 5
store:
  dir: `+storeDir+"\n")
	return configPath, storeDir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPipeline(t *testing.T) {
	configPath, storeDir := setup(t)
	dataDir := filepath.Join(filepath.Dir(configPath), "data")

	_, err := run(t, "", "translate", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmt prepare")

	out, err := run(t, "", "prepare", "--config", configPath, "--data", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "vi-en train: 4 of 4 pairs")
	assert.Contains(t, out, "vi-en test: 4 of 4 pairs")
	assert.NotContains(t, out, "validation")
	st, err := store.New(storeDir)
	require.NoError(t, err)
	assert.True(t, st.Exists(store.Key{Pair: "vi-en", Split: "vi", Kind: store.KindVocabulary}))
	assert.True(t, st.Exists(store.Key{Pair: "vi-en", Split: "en", Kind: store.KindVocabulary}))

	_, err = run(t, "", "translate", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmt train")

	out, err = run(t, "", "train", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "vi-en gru: epoch 3")
	assert.True(t, st.Exists(store.Key{Pair: "vi-en", Split: "gru", Kind: store.KindParams}))
	assert.True(t, st.Exists(store.Key{Pair: "vi-en", Split: "gru", Kind: store.KindHistory}))

	out, err = run(t, "", "train", "--config", configPath, "--resume")
	require.NoError(t, err)
	assert.Contains(t, out, "vi-en gru: epoch 6")

	out, err = run(t, "Hello world!\n\nunknown words\n", "translate", "--config", configPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Empty(t, lines[1])

	for _, search := range []string{"greedy", "beam"} {
		t.Run(search, func(t *testing.T) {
			out, err := run(t, "", "evaluate", "--config", configPath, "--search", search, "--beam-width", "2", "--show", "1")
			require.NoError(t, err)
			assert.Contains(t, out, "vi-en gru test ("+search+" search): BLEU")
			assert.Contains(t, out, "> hello world\n= hello world\n")
			assert.Regexp(t, `\n< .*\n~ BLEU \d+\.\d{2}\n`, out)
		})
	}

	_, err = run(t, "", "evaluate", "--config", configPath, "--search", "sampling")
	require.Error(t, err)
	_, err = run(t, "", "evaluate", "--config", configPath, "--split", "validation")
	require.Error(t, err)
}

func TestReadableSource(t *testing.T) {
	tests := []struct {
		name, sentencePiece, text, want string
	}{
		{"words", "", "xin chào", "xin chào"},
		{"pieces", "vi.model", "▁xin ▁ch ào ▁bạn", "xin chào bạn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Corpus.SourceSentencePiece = tt.sentencePiece
			assert.Equal(t, tt.want, readableSource(cfg, tt.text))
		})
	}
}
