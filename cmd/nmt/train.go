package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/go-nmt/models/seq2seq"
	"github.com/gomlx/go-nmt/train"
	"github.com/spf13/cobra"
)

func newTrainCmd(opts *options) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on the prepared corpus",
		Long: `Trains the configured model on the train split, validating on the validation split if it
was prepared. The parameters, optimizer state, history and report are saved at the end of every
epoch. With --resume, training continues the saved run for the configured number of epochs more.
Interrupting (Ctrl+C) stops training after the current mini-batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := opts.load()
			if err != nil {
				return err
			}
			srcVocab, tgtVocab, err := loadVocabularies(cfg, st)
			if err != nil {
				return err
			}
			trainDS, err := loadDataset(cfg, st, SplitTrain, false)
			if err != nil {
				return err
			}
			validationDS, err := loadDataset(cfg, st, SplitValidation, true)
			if err != nil {
				return err
			}

			var model *seq2seq.Model
			if resume {
				model, err = loadModel(cfg, st, srcVocab, tgtVocab)
			} else {
				model, err = seq2seq.New(cfg.Model, cfg.Tokens, srcVocab.Len(), tgtVocab.Len())
			}
			if err != nil {
				return err
			}
			trainer, err := train.New(cfg, model, tgtVocab, trainDS, validationDS, st)
			if err != nil {
				return err
			}
			if resume {
				if err := trainer.Resume(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = trainer.Run(ctx)
			fmt.Fprint(cmd.OutOrStdout(), trainer.Report().Render())
			return err
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue the last checkpoint of the run instead of starting a new model")
	return cmd
}
