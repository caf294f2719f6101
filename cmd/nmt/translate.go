package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/bleu"
	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/decode"
	"github.com/gomlx/go-nmt/store"
	"github.com/gomlx/go-nmt/tokenizers/sentencepiece"
	"github.com/gomlx/go-nmt/tokenizers/vocab"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// searchFlags overrides the search settings of the configuration.
type searchFlags struct {
	search    string
	beamWidth int
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.search, "search", "", "Search strategy, \"greedy\" or \"beam\"; defaults to the configured one")
	cmd.Flags().IntVar(&f.beamWidth, "beam-width", 0, "Beam width; defaults to the configured one")
}

func (f *searchFlags) apply(cfg *config.Config) error {
	if f.search != "" {
		cfg.Train.Search = f.search
	}
	if f.beamWidth > 0 {
		cfg.Train.BeamWidth = f.beamWidth
	}
	return cfg.Validate()
}

// translator loads the vocabularies and the trained model.
func translator(opts *options, flags *searchFlags) (*config.Config, *store.Store, *vocab.Vocabulary, *decode.Translator, error) {
	cfg, st, err := opts.load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := flags.apply(cfg); err != nil {
		return nil, nil, nil, nil, err
	}
	srcVocab, tgtVocab, err := loadVocabularies(cfg, st)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	model, err := loadModel(cfg, st, srcVocab, tgtVocab)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	t := decode.NewTranslator(decode.Seq2Seq(model), tgtVocab, cfg.Tokens, cfg.Train)
	return cfg, st, srcVocab, t, nil
}

func newTranslateCmd(opts *options) *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate source sentences read from stdin, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, srcVocab, t, err := translator(opts, flags)
			if err != nil {
				return err
			}
			seg, err := segmenter(cfg)
			if err != nil {
				return err
			}
			p := corpus.NewPreparer(cfg.Corpus, seg)
			return translateLines(cmd.InOrStdin(), cmd.OutOrStdout(), p, srcVocab, t, cfg.Train.BatchSize)
		},
	}
	flags.register(cmd)
	return cmd
}

// translateLines translates each line of r into a line of w, in batches of batchSize lines.
// Lines that are empty after cleaning are translated to empty lines.
func translateLines(r io.Reader, w io.Writer, p *corpus.Preparer, srcVocab *vocab.Vocabulary, t *decode.Translator, batchSize int) error {
	var (
		lineNum int
		texts   []string
	)
	flush := func() error {
		if len(texts) == 0 {
			return nil
		}
		var (
			rows []int
			seqs [][]int
		)
		for i, text := range texts {
			if text != "" {
				rows = append(rows, i)
				seqs = append(seqs, srcVocab.Encode(text))
			}
		}
		translations := make([]string, len(texts))
		if len(seqs) > 0 {
			source, err := batch.Pack(seqs, srcVocab.PAD())
			if err != nil {
				return err
			}
			sentences, err := t.Translate(source)
			if err != nil {
				return err
			}
			for i, row := range rows {
				translations[row] = sentences[i]
			}
		}
		for _, s := range translations {
			if _, err := fmt.Fprintln(w, s); err != nil {
				return errors.Wrap(err, "failed to write translation")
			}
		}
		texts = texts[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		text, err := p.CleanSource(scanner.Text())
		if err != nil {
			return errors.WithMessagef(err, "line %d", lineNum)
		}
		texts = append(texts, text)
		if len(texts) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read input")
	}
	if err := flush(); err != nil {
		return err
	}
	klog.V(1).Infof("translated %d lines", lineNum)
	return nil
}

func newEvaluateCmd(opts *options) *cobra.Command {
	flags := &searchFlags{}
	var (
		split string
		show  int
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Translate a prepared split and report its corpus BLEU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, _, t, err := translator(opts, flags)
			if err != nil {
				return err
			}
			ds, err := loadDataset(cfg, st, split, false)
			if err != nil {
				return err
			}
			hypotheses, references, err := t.TranslateDataset(ds, cfg.Train.BatchSize)
			if err != nil {
				return err
			}
			score, err := bleu.Corpus(hypotheses, references)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range min(show, ds.Len()) {
				fmt.Fprintf(out, "> %s\n= %s\n< %s\n~ BLEU %.2f\n\n", readableSource(cfg, ds.Pairs[i].SourceText),
					references[i], hypotheses[i], bleu.Sentence(hypotheses[i], references[i]))
			}
			fmt.Fprintf(out, "%s %s %s (%s search): BLEU %.2f on %d pairs\n",
				cfg.Pair(), cfg.Model.Variant(), split, t.Search, score, ds.Len())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&split, "split", SplitTest, "Prepared split to evaluate")
	cmd.Flags().IntVar(&show, "show", 0, "Number of translations to print along with their source, reference and sentence BLEU")
	return cmd
}

// readableSource undoes the SentencePiece segmentation of a prepared source sentence, if the
// source side is segmented.
func readableSource(cfg *config.Config, text string) string {
	if cfg.Corpus.SourceSentencePiece == "" {
		return text
	}
	return sentencepiece.Join(strings.Fields(text))
}
