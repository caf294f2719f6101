package train

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/go-nmt/batch"
	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/models/seq2seq"
	"github.com/gomlx/go-nmt/store"
	"github.com/gomlx/go-nmt/tokenizers/vocab"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyTask returns a configuration and datasets where the target is a copy of the source.
func copyTask(t *testing.T) (*config.Config, *vocab.Vocabulary, *corpus.Dataset) {
	cfg := config.Default()
	cfg.Model = config.Model{Embedding: 8, Hidden: 12, Attention: true, InitScale: 0.1, Seed: 5}
	cfg.Train.Optimizer = config.OptimizerSGD
	cfg.Train.LearningRate = 0.5
	cfg.Train.BatchSize = 2
	cfg.Train.Epochs = 100
	cfg.Train.PrintEvery = 10
	cfg.Train.PlotEvery = 4
	cfg.Train.EvalEvery = 50
	cfg.Train.MaxGeneration = 6
	cfg.Train.Seed = 1

	v, err := vocab.New("en", cfg.Tokens)
	require.NoError(t, err)
	sentences := []string{"a b c", "d e", "b a", "e d c b"}
	for _, s := range sentences {
		require.NoError(t, v.AddSentence(s))
	}
	v.Freeze()
	ds := &corpus.Dataset{}
	for _, s := range sentences {
		ids := v.Encode(s)
		ds.Pairs = append(ds.Pairs, corpus.Pair{Source: ids, Target: ids, SourceText: s, Reference: s})
	}
	return cfg, v, ds
}

func newTestTrainer(t *testing.T, cfg *config.Config, v *vocab.Vocabulary, ds *corpus.Dataset, st *store.Store) *Trainer {
	model, err := seq2seq.New(cfg.Model, cfg.Tokens, v.Len(), v.Len())
	require.NoError(t, err)
	tr, err := New(cfg, model, v, ds, ds, st)
	require.NoError(t, err)
	return tr
}

// flat returns a copy of the values of a context variable.
func flat(t *testing.T, v *mlcontext.Variable) []float64 {
	value, err := v.Value()
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float64](value)
}

func TestRun(t *testing.T) {
	cfg, v, ds := copyTask(t)
	st, err := store.New(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	tr := newTestTrainer(t, cfg, v, ds, st)
	require.NotEmpty(t, tr.RunID)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, cfg.Train.Epochs, tr.Stats.Epochs)
	assert.Equal(t, cfg.Train.Epochs*2, tr.Stats.Steps)
	assert.Zero(t, tr.Stats.SkippedSteps)

	h := tr.History
	require.Len(t, h.EpochLoss, cfg.Train.Epochs)
	assert.Less(t, h.EpochLoss[len(h.EpochLoss)-1], 0.5*h.EpochLoss[0])
	assert.Len(t, h.TrainLoss, tr.Stats.Steps/cfg.Train.PlotEvery)
	assert.Len(t, h.Validation, tr.Stats.Steps/cfg.Train.EvalEvery)
	assert.Equal(t, []int{50, 100, 150, 200}, h.ValidationSteps)
	for _, score := range h.Validation {
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
	}

	// Checkpoint artifacts.
	key := func(kind store.Kind) store.Key {
		return store.Key{Pair: "vi-en", Split: "gru-attention", Kind: kind}
	}
	var history History
	require.NoError(t, st.Load(key(store.KindHistory), &history))
	assert.Equal(t, h, history)
	var text string
	require.NoError(t, st.Load(key(store.KindReport), &text))
	assert.Contains(t, text, "vi-en gru-attention: epoch 100")
	assert.True(t, st.Exists(key(store.KindConfig)))

	f, err := st.OpenParams(key(store.KindParams))
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	assert.Equal(t, tr.RunID, f.Metadata()[MetadataRunID])
	assert.Equal(t, "100", f.Metadata()[MetadataEpoch])
	assert.Equal(t, "200", f.Metadata()[MetadataStep])
	assert.Contains(t, f.Names(), "/optimizers/learning_rate")
	loaded, err := seq2seq.FromSnapshot(f)
	require.NoError(t, err)
	for i, p := range tr.Model.Params() {
		assert.Equal(t, flat(t, p.Variable), flat(t, loaded.Params()[i].Variable), p.Name)
	}
}

func TestResume(t *testing.T) {
	cfg, v, ds := copyTask(t)
	cfg.Train.Optimizer = config.OptimizerAdadelta
	cfg.Train.LearningRate = 1
	cfg.Train.Epochs = 2
	cfg.Train.EvalEvery = 2
	st, err := store.New(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	first := newTestTrainer(t, cfg, v, ds, st)
	require.NoError(t, first.Run(context.Background()))
	saved := first.History
	sqGrad, _ := AdadeltaVariables(first.Model.Context, first.Model.Encoder.Embedding)
	savedSqGrad := flat(t, sqGrad)

	f, err := st.OpenParams(first.key(store.KindParams))
	require.NoError(t, err)
	model, err := seq2seq.FromSnapshot(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	second, err := New(cfg, model, v, ds, ds, st)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)
	require.NoError(t, second.Resume())
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, saved, second.History)
	assert.Equal(t, first.Stats.Epochs, second.Stats.Epochs)
	assert.Equal(t, first.Stats.Steps, second.Stats.Steps)
	sqGrad, _ = AdadeltaVariables(second.Model.Context, second.Model.Encoder.Embedding)
	assert.Equal(t, savedSqGrad, flat(t, sqGrad))

	// The history only grows, and numbering continues.
	require.NoError(t, second.Run(context.Background()))
	h := second.History
	assert.Equal(t, 4, second.Stats.Epochs)
	assert.Equal(t, 8, second.Stats.Steps)
	require.Len(t, h.EpochLoss, 4)
	assert.Equal(t, saved.EpochLoss, h.EpochLoss[:2])
	assert.Equal(t, saved.TrainLoss, h.TrainLoss[:len(saved.TrainLoss)])
	assert.Equal(t, saved.Validation, h.Validation[:len(saved.Validation)])
	assert.Equal(t, []int{2, 4, 6, 8}, h.ValidationSteps)

	f, err = st.OpenParams(second.key(store.KindParams))
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	assert.Equal(t, "4", f.Metadata()[MetadataEpoch])
	assert.Equal(t, first.RunID, f.Metadata()[MetadataRunID])

	third := newTestTrainer(t, cfg, v, ds, nil)
	require.Error(t, third.Resume())
}

func TestRunCancelled(t *testing.T) {
	cfg, v, ds := copyTask(t)
	tr := newTestTrainer(t, cfg, v, ds, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tr.Stats.Steps)
}

func TestNonFiniteLossIsSkipped(t *testing.T) {
	cfg, v, ds := copyTask(t)
	tr := newTestTrainer(t, cfg, v, ds, nil)
	params := tr.Model.Params()
	embedding := flat(t, params[0].Variable)
	embedding[3*cfg.Model.Embedding] = math.NaN() // Token "a", in the batch.
	require.NoError(t, params[0].SetValue(tensors.FromFlatDataAndDimensions(embedding, params[0].Shape().Dimensions...)))
	before := flat(t, params[1].Variable)

	pb, err := batch.NewPairBatch(ds, []int{0, 1}, cfg.Tokens.PAD)
	require.NoError(t, err)
	loss, updated, err := tr.TrainStep(pb)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.True(t, math.IsNaN(loss))
	assert.Equal(t, 1, tr.Stats.SkippedSteps)
	assert.Equal(t, before, flat(t, params[1].Variable))
}

func TestReduction(t *testing.T) {
	cfg, v, ds := copyTask(t)
	pb, err := batch.NewPairBatch(ds, []int{0, 3}, cfg.Tokens.PAD)
	require.NoError(t, err)

	cfg.Train.LearningRate = 0.1
	cfg.Train.Reduction = config.ReductionMean
	mean, _, err := newTestTrainer(t, cfg, v, ds, nil).TrainStep(pb)
	require.NoError(t, err)
	cfg.Train.Reduction = config.ReductionSum
	sum, _, err := newTestTrainer(t, cfg, v, ds, nil).TrainStep(pb)
	require.NoError(t, err)
	assert.InDelta(t, sum, mean*float64(pb.Target.NumTokens()), 1e-9)
}

func TestEvaluateDoesNotChangeParameters(t *testing.T) {
	cfg, v, ds := copyTask(t)
	for _, search := range []string{config.SearchGreedy, config.SearchBeam} {
		t.Run(search, func(t *testing.T) {
			cfg.Train.Search = search
			tr := newTestTrainer(t, cfg, v, ds, nil)
			var before [][]float64
			for _, p := range tr.Model.Params() {
				before = append(before, flat(t, p.Variable))
			}
			score, err := tr.Evaluate()
			require.NoError(t, err)
			assert.GreaterOrEqual(t, score, 0.0)
			for i, p := range tr.Model.Params() {
				assert.Equal(t, before[i], flat(t, p.Variable), p.Name)
			}
		})
	}
}

func TestNewErrors(t *testing.T) {
	cfg, v, ds := copyTask(t)
	model, err := seq2seq.New(cfg.Model, cfg.Tokens, v.Len(), v.Len())
	require.NoError(t, err)
	_, err = New(cfg, model, v, &corpus.Dataset{}, ds, nil)
	require.Error(t, err)

	bad := *cfg
	bad.Train.Optimizer = "adam"
	_, err = New(&bad, model, v, ds, ds, nil)
	require.Error(t, err)
}

// update runs one optimizer update of a variable w = [1, -1] with gradient [1, -2], and returns
// the context and w.
func update(t *testing.T, opt Optimizer, apply bool) (*mlcontext.Context, *mlcontext.Variable) {
	backend, err := seq2seq.Backend()
	require.NoError(t, err)
	ctx := mlcontext.New()
	w := ctx.In("layer").VariableWithValue("w", []float64{1, -1})
	exec, err := mlcontext.NewExec(backend, ctx, func(ctx *mlcontext.Context, apply *Node) *Node {
		g := apply.Graph()
		_ = w.ValueGraph(g)
		grad := Const(g, []float64{1, -2})
		opt.UpdateGraph(ctx, []*Node{grad}, apply)
		return grad
	})
	require.NoError(t, err)
	_, err = exec.Exec(apply)
	require.NoError(t, err)
	return ctx, w
}

func TestOptimizers(t *testing.T) {
	sgd, err := NewOptimizer(config.Train{Optimizer: config.OptimizerSGD, LearningRate: 0.5})
	require.NoError(t, err)
	_, w := update(t, sgd, true)
	assert.Equal(t, []float64{0.5, 0}, flat(t, w))
	_, w = update(t, sgd, false)
	assert.Equal(t, []float64{1, -1}, flat(t, w))

	adadelta, err := NewOptimizer(config.Train{Optimizer: config.OptimizerAdadelta, LearningRate: 1, Rho: 0.9, Epsilon: 1e-6})
	require.NoError(t, err)
	ctx, w := update(t, adadelta, true)
	values := flat(t, w)
	first := math.Sqrt(1e-6) / math.Sqrt(0.1+1e-6)
	assert.InDelta(t, 1-first, values[0], 1e-12)
	second := math.Sqrt(1e-6) / math.Sqrt(0.4+1e-6) * -2
	assert.InDelta(t, -1-second, values[1], 1e-12)
	sqGrad, sqDelta := AdadeltaVariables(ctx, w)
	assert.Equal(t, "/optimizers/adadelta/layer", sqGrad.Scope())
	assert.InDeltaSlice(t, []float64{0.1, 0.4}, flat(t, sqGrad), 1e-12)
	assert.InDeltaSlice(t, []float64{0.1 * first * first, 0.1 * second * second}, flat(t, sqDelta), 1e-12)

	ctx, w = update(t, adadelta, false)
	assert.Equal(t, []float64{1, -1}, flat(t, w))
	sqGrad, _ = AdadeltaVariables(ctx, w)
	assert.Equal(t, []float64{0, 0}, flat(t, sqGrad))

	_, err = NewOptimizer(config.Train{Optimizer: "adam"})
	require.Error(t, err)
}

func TestClipByGlobalNorm(t *testing.T) {
	backend, err := seq2seq.Backend()
	require.NoError(t, err)
	tests := []struct {
		name     string
		maxNorm  float64
		expected []float64
	}{
		{"disabled", 0, []float64{3, 4}},
		{"under the limit", 10, []float64{3, 4}},
		{"clipped", 1, []float64{0.6, 0.8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := mlcontext.NewExec(backend, nil, func(_ *mlcontext.Context, a, b *Node) []*Node {
				grads := []*Node{a, b}
				norm := globalNorm(grads)
				return append(clipByGlobalNorm(grads, norm, tt.maxNorm), norm)
			})
			require.NoError(t, err)
			outputs, err := exec.Exec([]float64{3}, [][]float64{{4}})
			require.NoError(t, err)
			assert.InDelta(t, 5.0, tensors.ToScalar[float64](outputs[2]), 1e-12)
			got := append(tensors.MustCopyFlatData[float64](outputs[0]), tensors.MustCopyFlatData[float64](outputs[1])...)
			assert.InDeltaSlice(t, tt.expected, got, 1e-12)
		})
	}
}

func TestTimeSince(t *testing.T) {
	start := time.Now().Add(-10 * time.Second)
	assert.Contains(t, timeSince(start, 0), "(- ?)")
	assert.Contains(t, timeSince(start, 0.5), "(- 10s)")
}
