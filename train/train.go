// Package train implements the training loop of the translation models: epochs of shuffled
// mini-batches, masked negative log-likelihood, optimizer updates, periodic validation with
// greedy or beam decoding, and checkpoints of parameters and histories at each epoch end.
package train

import (
	stdcontext "context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/bleu"
	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/decode"
	"github.com/gomlx/go-nmt/models/seq2seq"
	"github.com/gomlx/go-nmt/report"
	"github.com/gomlx/go-nmt/store"
	"github.com/gomlx/go-nmt/tokenizers/api"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metadata keys added to the parameter snapshots of a run, besides the model ones.
const (
	MetadataRunID = "run_id"
	MetadataEpoch = "epoch"
	MetadataStep  = "step"
)

// History of a training run.
type History struct {
	RunID string `json:"run_id"`
	Title string `json:"title"`

	// TrainLoss holds the average training loss of every PlotEvery steps.
	TrainLoss []float64 `json:"train_loss"`

	// Validation holds the validation score of each evaluation, and ValidationSteps the step it
	// was computed at.
	Validation      []float64 `json:"validation"`
	ValidationSteps []int     `json:"validation_steps"`

	// EpochLoss holds the average training loss of each epoch.
	EpochLoss []float64 `json:"epoch_loss"`
}

// Stats counts what happened during training.
type Stats struct {
	Epochs int
	Steps  int

	// SkippedSteps counts the steps whose loss was not finite, and which therefore didn't update
	// the parameters.
	SkippedSteps int
}

// Trainer trains a model. It owns the model parameters during Run.
type Trainer struct {
	cfg *config.Config

	Model      *seq2seq.Model
	Target     api.Tokenizer
	Train      *corpus.Dataset
	Validation *corpus.Dataset // Optional.
	Store      *store.Store    // Optional: no checkpoints if nil.
	Optimizer  Optimizer
	Scorer     decode.Scorer

	RunID   string
	History History
	Stats   Stats

	rng        *rand.Rand
	trainExecs [2]*context.Exec // Indexed by teacher forcing.
}

// New creates a Trainer for model on the train split, validating with greedy or beam decoding on
// the validation split, according to cfg.Train.
func New(cfg *config.Config, model *seq2seq.Model, target api.Tokenizer, trainDS, validationDS *corpus.Dataset, st *store.Store) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trainDS == nil || trainDS.Len() == 0 {
		return nil, errors.New("training dataset is empty")
	}
	opt, err := NewOptimizer(cfg.Train)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:        cfg,
		Model:      model,
		Target:     target,
		Train:      trainDS,
		Validation: validationDS,
		Store:      st,
		Optimizer:  opt,
		Scorer:     bleu.Corpus,
		RunID:      uuid.NewString(),
		rng:        rand.New(rand.NewPCG(cfg.Train.Seed, cfg.Train.Seed^0x7ea1)),
	}
	t.History = History{RunID: t.RunID, Title: t.Title()}
	return t, nil
}

// Title names the run: the artifacts of the run are saved under it.
func (t *Trainer) Title() string {
	return t.Model.Variant()
}

// Run trains for the configured number of epochs, numbered after the ones already done (see
// Resume). It checks ctx between mini-batches and epochs only, and returns ctx.Err() wrapped if
// it was cancelled.
func (t *Trainer) Run(ctx stdcontext.Context) error {
	tc := &t.cfg.Train
	numBatches := batch.NumBatches(t.Train.Len(), tc.BatchSize)
	totalSteps := tc.Epochs * numBatches
	firstStep := t.Stats.Steps
	lastEpoch := t.Stats.Epochs + tc.Epochs
	evalEvery := tc.EvalEvery
	if evalEvery == 0 {
		evalEvery = tc.PlotEvery
	}
	klog.Infof("training %s (run %s): %d pairs, epochs %d to %d of %d steps, %d parameters",
		t.Title(), t.RunID, t.Train.Len(), t.Stats.Epochs+1, lastEpoch, numBatches, t.Model.NumParams())

	start := time.Now()
	var printLoss, plotLoss meter
	for epoch := t.Stats.Epochs + 1; epoch <= lastEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.WithMessagef(err, "training interrupted before epoch %d", epoch)
		}
		var epochLoss meter
		for pb, err := range batch.IterBatches(t.Train, tc.BatchSize, t.cfg.Tokens.PAD, t.rng) {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return errors.WithMessagef(err, "training interrupted at step %d", t.Stats.Steps)
			}
			loss, ok, err := t.TrainStep(pb)
			if err != nil {
				return errors.WithMessagef(err, "step %d", t.Stats.Steps+1)
			}
			t.Stats.Steps++
			if ok {
				printLoss.add(loss)
				plotLoss.add(loss)
				epochLoss.add(loss)
			}

			step := t.Stats.Steps
			if tc.PrintEvery > 0 && step%tc.PrintEvery == 0 && printLoss.n > 0 {
				done := step - firstStep
				klog.Infof("%s (%d %d%%) loss %.4f",
					timeSince(start, float64(done)/float64(totalSteps)), step, 100*done/totalSteps, printLoss.reset())
			}
			if tc.PlotEvery > 0 && step%tc.PlotEvery == 0 && plotLoss.n > 0 {
				t.History.TrainLoss = append(t.History.TrainLoss, plotLoss.reset())
			}
			if evalEvery > 0 && step%evalEvery == 0 && t.Validation != nil && t.Validation.Len() > 0 {
				score, err := t.Evaluate()
				if err != nil {
					return errors.WithMessagef(err, "validation at step %d", step)
				}
				t.History.Validation = append(t.History.Validation, score)
				t.History.ValidationSteps = append(t.History.ValidationSteps, step)
				klog.Infof("step %d: validation BLEU %.2f", step, score)
			}
		}
		t.Stats.Epochs = epoch
		if epochLoss.n > 0 {
			t.History.EpochLoss = append(t.History.EpochLoss, epochLoss.mean())
		}
		klog.Infof("epoch %d/%d done: loss %.4f, %d steps skipped so far", epoch, lastEpoch, epochLoss.mean(), t.Stats.SkippedSteps)
		if err := t.Checkpoint(ctx); err != nil {
			return errors.WithMessagef(err, "checkpoint of epoch %d", epoch)
		}
	}
	return nil
}

// TrainStep runs forward, backward and the optimizer update on one mini-batch, as one graph.
//
// It returns the loss, and whether the parameters were updated: a step with a non-finite loss
// or gradient is skipped, with a warning.
func (t *Trainer) TrainStep(pb *batch.PairBatch) (loss float64, updated bool, err error) {
	tc := &t.cfg.Train
	teacherForcing := tc.TeacherForcing >= 1 || t.rng.Float64() < tc.TeacherForcing
	inputs, err := t.Model.LossInputs(pb)
	if err != nil {
		return 0, false, err
	}
	scale := 1.0
	if tc.Reduction == config.ReductionMean {
		scale = 1 / float64(pb.Target.NumTokens())
	}
	exec, err := t.trainExec(teacherForcing)
	if err != nil {
		return 0, false, err
	}
	outputs, err := exec.Exec(append(inputs, scale)...)
	if err != nil {
		return 0, false, errors.WithMessage(err, "training step")
	}
	loss = tensors.ToScalar[float64](outputs[0])
	if !isFinite(loss) {
		t.skip("loss is %g", loss)
		return loss, false, nil
	}
	if norm := tensors.ToScalar[float64](outputs[1]); !isFinite(norm) {
		t.skip("gradient norm is %g", norm)
		return loss, false, nil
	}
	return loss, true, nil
}

// trainExec returns the executor of the training step graph: the scaled loss, its gradients
// clipped by global norm, and the optimizer update, gated on the loss and the gradient norm
// being finite. It outputs the loss and the gradient norm before clipping.
func (t *Trainer) trainExec(teacherForcing bool) (*context.Exec, error) {
	idx := 0
	if teacherForcing {
		idx = 1
	}
	if t.trainExecs[idx] != nil {
		return t.trainExecs[idx], nil
	}
	maxNorm := t.cfg.Train.Clip
	exec, err := context.NewExec(t.Model.Backend, t.Model.Context, func(ctx *context.Context, inputs []*Node) []*Node {
		n := len(inputs) - 1
		loss := Mul(t.Model.LossGraph(inputs[:n], teacherForcing), inputs[n])
		grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
		norm := globalNorm(grads)
		apply := LogicalAnd(IsFinite(loss), IsFinite(norm))
		t.Optimizer.UpdateGraph(ctx, clipByGlobalNorm(grads, norm, maxNorm), apply)
		return []*Node{loss, norm}
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the training step executor")
	}
	exec.SetMaxCache(256)
	t.trainExecs[idx] = exec
	return exec, nil
}

// globalNorm builds the L2 norm of all gradients together.
func globalNorm(grads []*Node) *Node {
	var sum *Node
	for _, grad := range grads {
		sq := ReduceAllSum(Square(grad))
		if sum == nil {
			sum = sq
		} else {
			sum = Add(sum, sq)
		}
	}
	return Sqrt(sum)
}

// clipByGlobalNorm scales all gradients by maxNorm/norm if norm is larger than maxNorm.
// A non-positive maxNorm disables clipping.
func clipByGlobalNorm(grads []*Node, norm *Node, maxNorm float64) []*Node {
	if maxNorm <= 0 {
		return grads
	}
	limit := Scalar(norm.Graph(), norm.DType(), maxNorm)
	factor := Where(GreaterThan(norm, limit), Div(limit, norm), OnesLike(norm))
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, factor)
	}
	return clipped
}

func (t *Trainer) skip(format string, args ...any) {
	t.Stats.SkippedSteps++
	klog.Warningf("skipping update of step %d: %s", t.Stats.Steps+1, fmt.Sprintf(format, args...))
}

// Translator returns a translator using the current model parameters and the configured search.
func (t *Trainer) Translator() *decode.Translator {
	return decode.NewTranslator(decode.Seq2Seq(t.Model), t.Target, t.cfg.Tokens, t.cfg.Train)
}

// Evaluate translates the validation split (up to ValidationLimit pairs) and scores it.
// It doesn't change the parameters.
func (t *Trainer) Evaluate() (float64, error) {
	if t.Validation == nil {
		return 0, errors.New("no validation dataset")
	}
	ds := t.Validation.Head(t.cfg.Train.ValidationLimit)
	return t.Translator().Evaluate(ds, t.cfg.Train.BatchSize, t.Scorer)
}

// Report returns the report of the run so far.
func (t *Trainer) Report() *report.Report {
	return &report.Report{
		Title:     fmt.Sprintf("%s %s", t.cfg.Pair(), t.Title()),
		Epoch:     t.Stats.Epochs,
		TrainLoss: t.History.TrainLoss,
		ValScore:  t.History.Validation,
	}
}

// meter accumulates a running average.
type meter struct {
	sum float64
	n   int
}

func (m *meter) add(v float64) {
	m.sum += v
	m.n++
}

func (m *meter) mean() float64 {
	if m.n == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.n)
}

// reset returns the mean and clears the meter.
func (m *meter) reset() float64 {
	mean := m.mean()
	*m = meter{}
	return mean
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// timeSince formats the elapsed time and the estimated remaining time, given the fraction of
// the work done.
func timeSince(start time.Time, fraction float64) string {
	elapsed := time.Since(start)
	if fraction <= 0 {
		return fmt.Sprintf("%s (- ?)", elapsed.Round(time.Second))
	}
	remaining := time.Duration(float64(elapsed)/fraction) - elapsed
	return fmt.Sprintf("%s (- %s)", elapsed.Round(time.Second), remaining.Round(time.Second))
}
