package train

import (
	stdcontext "context"
	"strconv"
	"strings"

	"github.com/gomlx/go-nmt/models/safetensors"
	"github.com/gomlx/go-nmt/store"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func (t *Trainer) key(kind store.Kind) store.Key {
	return store.Key{Pair: t.cfg.Pair(), Split: t.Title(), Kind: kind}
}

// Checkpoint saves the parameters and optimizer state, the history, the configuration and the
// report of the run. It's a no-op if the Trainer has no Store.
//
// The optimizer state is saved next to the model parameters, named by the absolute scope of
// its variables (e.g. "/optimizers/adadelta/encoder/embedding_sq_grad"), so it never collides
// with the dotted parameter names.
func (t *Trainer) Checkpoint(ctx stdcontext.Context) error {
	if t.Store == nil {
		return nil
	}
	ts, err := t.Model.Tensors()
	if err != nil {
		return err
	}
	state, err := t.optimizerState()
	if err != nil {
		return err
	}
	ts = append(ts, state...)
	metadata, err := t.Model.Metadata()
	if err != nil {
		return err
	}
	metadata[MetadataRunID] = t.RunID
	metadata[MetadataEpoch] = strconv.Itoa(t.Stats.Epochs)
	metadata[MetadataStep] = strconv.Itoa(t.Stats.Steps)
	if err := t.Store.Save(ctx, t.key(store.KindParams), &store.Params{Tensors: ts, Metadata: metadata}); err != nil {
		return err
	}
	if err := t.Store.Save(ctx, t.key(store.KindHistory), &t.History); err != nil {
		return err
	}
	if err := t.Store.Save(ctx, t.key(store.KindConfig), t.cfg); err != nil {
		return err
	}
	return t.Store.Save(ctx, t.key(store.KindReport), t.Report())
}

// optimizerState returns the non-trainable variables of the model context: the optimizer
// accumulators, learning rate and global step.
func (t *Trainer) optimizerState() ([]safetensors.TensorAndName, error) {
	var state []safetensors.TensorAndName
	for v := range t.Model.Context.IterVariables() {
		if v.Trainable {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "optimizer variable %s", v.ScopeAndName())
		}
		state = append(state, safetensors.TensorAndName{Name: v.ScopeAndName(), Tensor: value})
	}
	return state, nil
}

// Resume continues the run checkpointed in the Store under the trainer's title: it restores the
// run ID, the history, the epoch and step counters and the optimizer state. Run then continues
// the epoch numbering.
//
// The model parameters are not touched: the model is expected to be loaded from the same
// snapshot (see seq2seq.FromSnapshot).
func (t *Trainer) Resume() error {
	if t.Store == nil {
		return errors.New("can't resume without a store")
	}
	f, err := t.Store.OpenParams(t.key(store.KindParams))
	if err != nil {
		return errors.WithMessage(err, "resuming")
	}
	defer func() { _ = f.Close() }()

	md := f.Metadata()
	epochs, err := strconv.Atoi(md[MetadataEpoch])
	if err != nil {
		return errors.Wrapf(err, "checkpoint has no valid %q", MetadataEpoch)
	}
	steps, err := strconv.Atoi(md[MetadataStep])
	if err != nil {
		return errors.Wrapf(err, "checkpoint has no valid %q", MetadataStep)
	}
	var history History
	if err := t.Store.Load(t.key(store.KindHistory), &history); err != nil {
		return errors.WithMessage(err, "resuming")
	}
	if err := t.loadOptimizerState(f); err != nil {
		return err
	}

	if runID := md[MetadataRunID]; runID != "" {
		t.RunID = runID
	}
	history.RunID = t.RunID
	history.Title = t.Title()
	t.History = history
	t.Stats.Epochs = epochs
	t.Stats.Steps = steps
	klog.Infof("resuming run %s of %s after epoch %d (step %d)", t.RunID, t.Title(), epochs, steps)
	return nil
}

// loadOptimizerState recreates the optimizer variables saved by Checkpoint.
func (t *Trainer) loadOptimizerState(f *safetensors.File) error {
	for _, name := range f.Names() {
		if !strings.HasPrefix(name, context.ScopeSeparator) {
			continue
		}
		value, err := f.ReadTensor(name)
		if err != nil {
			return errors.WithMessagef(err, "loading optimizer variable %s", name)
		}
		scope, varName := context.SplitScope(name)
		ctx := t.Model.Context.Checked(false).InAbsPath(scope)
		if v := ctx.GetVariableByScopeAndName(scope, varName); v != nil {
			if err := v.SetValue(value); err != nil {
				return errors.WithMessagef(err, "loading optimizer variable %s", name)
			}
			continue
		}
		ctx.VariableWithValue(varName, value).SetTrainable(false)
	}
	return nil
}
