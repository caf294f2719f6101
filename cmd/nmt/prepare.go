package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/internal/files"
	"github.com/gomlx/go-nmt/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newPrepareCmd(opts *options) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Clean a parallel corpus, build the vocabularies and save the prepared splits",
		Long: `Reads the line-aligned files "<split>.<language>" of the data directory, for the splits
"train", "validation" and "test". Only "train" is required: the vocabularies are built from it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := opts.load()
			if err != nil {
				return err
			}
			seg, err := segmenter(cfg)
			if err != nil {
				return err
			}
			p := corpus.NewPreparer(cfg.Corpus, seg)
			dataDir = files.ReplaceTildeInDir(dataDir)
			paths := func(split string) (string, string) {
				return filepath.Join(dataDir, split+"."+cfg.Source), filepath.Join(dataDir, split+"."+cfg.Target)
			}

			src, tgt := paths(SplitTrain)
			trainRaw, err := corpus.ReadParallel(src, tgt, cfg.Corpus.Limit)
			if err != nil {
				return err
			}
			srcVocab, tgtVocab, err := p.Vocabularies(trainRaw, cfg.Source, cfg.Target, cfg.Tokens)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := st.Save(ctx, key(cfg, cfg.Source, store.KindVocabulary), srcVocab); err != nil {
				return err
			}
			if err := st.Save(ctx, key(cfg, cfg.Target, store.KindVocabulary), tgtVocab); err != nil {
				return err
			}
			klog.Infof("%s: vocabularies of %d and %d tokens", cfg.Pair(), srcVocab.Len(), tgtVocab.Len())

			for _, split := range splits {
				raw := trainRaw
				if split != SplitTrain {
					src, tgt := paths(split)
					if !files.Exists(src) && !files.Exists(tgt) {
						klog.Warningf("no %s split in %q, skipping", split, dataDir)
						continue
					}
					raw, err = corpus.ReadParallel(src, tgt, cfg.Corpus.Limit)
					if err != nil {
						return err
					}
				}
				ds, err := p.Prepare(raw, srcVocab, tgtVocab)
				if err != nil {
					return errors.WithMessagef(err, "preparing %s split", split)
				}
				if err := st.Save(ctx, key(cfg, split, store.KindDataset), ds); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d of %d pairs\n", cfg.Pair(), split, ds.Len(), len(raw))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", ".", "Directory with the corpus files")
	return cmd
}
