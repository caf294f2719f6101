package train

import (
	"fmt"

	"github.com/gomlx/compute/shapes"
	"github.com/gomlx/go-nmt/config"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Optimizer builds the update of the trainable variables of a context, as part of the training
// step graph.
type Optimizer interface {
	// UpdateGraph updates the trainable variables used by the graph from their gradients, given
	// in ctx.IterVariables order. Where apply is false (a scalar), no variable changes.
	UpdateGraph(ctx *context.Context, grads []*Node, apply *Node)
}

// NewOptimizer creates the optimizer configured in cfg.
func NewOptimizer(cfg config.Train) (Optimizer, error) {
	switch cfg.Optimizer {
	case config.OptimizerSGD:
		return &SGD{optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(cfg.LearningRate)}, nil
	case config.OptimizerAdadelta:
		return &Adadelta{LearningRate: cfg.LearningRate, Rho: cfg.Rho, Epsilon: cfg.Epsilon}, nil
	}
	return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
}

// SGD is plain stochastic gradient descent, with a constant learning rate.
type SGD struct {
	*optimizers.SGDConfig
}

// UpdateGraph implements Optimizer. Gradients are zeroed where apply is false.
func (o *SGD) UpdateGraph(ctx *context.Context, grads []*Node, apply *Node) {
	if len(grads) == 0 {
		return
	}
	gated := make([]*Node, len(grads))
	for i, grad := range grads {
		gated[i] = Where(apply, grad, ZerosLike(grad))
	}
	o.UpdateGraphWithGradients(ctx, gated, grads[0].DType())
}

// AdadeltaScope is the scope of the Adadelta accumulators, under optimizers.Scope.
const AdadeltaScope = "adadelta"

// Adadelta adapts per-parameter step sizes from running averages of squared gradients and
// squared updates:
//
//	E[g²] = ρ·E[g²] + (1-ρ)·g²
//	Δ     = √(E[Δ²]+ε) / √(E[g²]+ε) · g
//	E[Δ²] = ρ·E[Δ²] + (1-ρ)·Δ²
//	p     = p - lr·Δ
//
// The accumulators are non-trainable variables of the context, so they're saved and restored
// with the optimizer state.
type Adadelta struct {
	LearningRate, Rho, Epsilon float64
}

// UpdateGraph implements Optimizer.
func (o *Adadelta) UpdateGraph(ctx *context.Context, grads []*Node, apply *Node) {
	if len(grads) == 0 {
		return
	}
	g := grads[0].Graph()
	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, grads[varIdx], apply)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		panic(errors.Errorf("got gradients for %d variables, but Adadelta sees %d trainable variables", numTrainable, varIdx))
	}
}

func (o *Adadelta) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, apply *Node) {
	dtype := grad.DType()
	rho := Scalar(g, dtype, o.Rho)
	epsilon := Scalar(g, dtype, o.Epsilon)
	sqGradVar, sqDeltaVar := AdadeltaVariables(ctx, v)
	sqGrad := sqGradVar.ValueGraph(g)
	sqDelta := sqDeltaVar.ValueGraph(g)
	value := v.ValueGraph(g)

	newSqGrad := Add(Mul(rho, sqGrad), Mul(OneMinus(rho), Square(grad)))
	delta := Mul(Div(Sqrt(Add(sqDelta, epsilon)), Sqrt(Add(newSqGrad, epsilon))), grad)
	newSqDelta := Add(Mul(rho, sqDelta), Mul(OneMinus(rho), Square(delta)))
	updated := Sub(value, MulScalar(delta, o.LearningRate))

	sqGradVar.SetValueGraph(Where(apply, newSqGrad, sqGrad))
	sqDeltaVar.SetValueGraph(Where(apply, newSqDelta, sqDelta))
	v.SetValueGraph(Where(apply, updated, value))
}

// AdadeltaVariables returns the accumulators E[g²] and E[Δ²] of the trainable variable v,
// creating them with zeros if they don't exist yet.
func AdadeltaVariables(ctx *context.Context, v *context.Variable) (sqGrad, sqDelta *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s%s%s", context.ScopeSeparator, optimizers.Scope, context.ScopeSeparator, AdadeltaScope, v.Scope())
	shape := shapes.Make(v.Shape().DType, v.Shape().Dimensions...)
	ctx = ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	sqGrad = ctx.VariableWithShape(v.Name()+"_sq_grad", shape).SetTrainable(false)
	sqDelta = ctx.VariableWithShape(v.Name()+"_sq_delta", shape).SetTrainable(false)
	return sqGrad, sqDelta
}
