// nmt prepares parallel corpora, trains recurrent encoder-decoder translation models, and uses
// them to translate and evaluate.
//
// Usage:
//
//	nmt prepare --config vi-en.yaml --data ./iwslt15
//	nmt train --config vi-en.yaml
//	nmt translate --config vi-en.yaml < input.vi
//	nmt evaluate --config vi-en.yaml --split test
//
// The corpus directory holds line-aligned files named "<split>.<language>", e.g. "train.vi" and
// "train.en". Artifacts are saved in the store directory of the configuration.
package main

import (
	"context"
	goflag "flag"
	"os"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/models/seq2seq"
	"github.com/gomlx/go-nmt/store"
	"github.com/gomlx/go-nmt/tokenizers/api"
	"github.com/gomlx/go-nmt/tokenizers/sentencepiece"
	"github.com/gomlx/go-nmt/tokenizers/vocab"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Names of the dataset splits.
const (
	SplitTrain      = "train"
	SplitValidation = "validation"
	SplitTest       = "test"
)

var splits = []string{SplitTrain, SplitValidation, SplitTest}

// options shared by all subcommands.
type options struct {
	configPath string
}

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// NewCLI creates the root command with all subcommands.
func NewCLI() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "nmt",
		Short:         "Recurrent sequence-to-sequence machine translation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file, on top of the defaults")

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newPrepareCmd(opts),
		newTrainCmd(opts),
		newTranslateCmd(opts),
		newEvaluateCmd(opts),
	)
	return root
}

// load returns the configuration and the store it points to.
func (o *options) load() (*config.Config, *store.Store, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, nil, err
		}
	}
	st, err := store.New(cfg.Store.Dir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func key(cfg *config.Config, split string, kind store.Kind) store.Key {
	return store.Key{Pair: cfg.Pair(), Split: split, Kind: kind}
}

// segmenter returns the source segmenter of the configuration, or nil if there is none.
func segmenter(cfg *config.Config) (api.Segmenter, error) {
	if cfg.Corpus.SourceSentencePiece == "" {
		return nil, nil
	}
	return sentencepiece.New(cfg.Corpus.SourceSentencePiece)
}

// loadVocabularies loads the source and target vocabularies saved by prepare.
func loadVocabularies(cfg *config.Config, st *store.Store) (src, tgt *vocab.Vocabulary, err error) {
	src, tgt = &vocab.Vocabulary{}, &vocab.Vocabulary{}
	if err := st.Load(key(cfg, cfg.Source, store.KindVocabulary), src); err != nil {
		return nil, nil, errors.WithMessage(err, "run \"nmt prepare\" first")
	}
	if err := st.Load(key(cfg, cfg.Target, store.KindVocabulary), tgt); err != nil {
		return nil, nil, errors.WithMessage(err, "run \"nmt prepare\" first")
	}
	return src, tgt, nil
}

// loadDataset loads a prepared split. It returns nil (and no error) for an optional split that
// was not prepared.
func loadDataset(cfg *config.Config, st *store.Store, split string, optional bool) (*corpus.Dataset, error) {
	k := key(cfg, split, store.KindDataset)
	if optional && !st.Exists(k) {
		klog.Warningf("no %s split prepared for %s", split, cfg.Pair())
		return nil, nil
	}
	ds := &corpus.Dataset{}
	if err := st.Load(k, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// loadModel loads the last checkpoint of the training run of the configured model variant, and
// checks it matches the vocabularies.
func loadModel(cfg *config.Config, st *store.Store, src, tgt *vocab.Vocabulary) (*seq2seq.Model, error) {
	f, err := st.OpenParams(key(cfg, cfg.Model.Variant(), store.KindParams))
	if err != nil {
		return nil, errors.WithMessage(err, "run \"nmt train\" first")
	}
	defer func() { _ = f.Close() }()
	m, err := seq2seq.FromSnapshot(f)
	if err != nil {
		return nil, err
	}
	if m.SourceVocabSize() != src.Len() || m.TargetVocabSize() != tgt.Len() {
		return nil, errors.Errorf("model vocabulary sizes (%d, %d) don't match the prepared vocabularies (%d, %d)",
			m.SourceVocabSize(), m.TargetVocabSize(), src.Len(), tgt.Len())
	}
	return m, nil
}
