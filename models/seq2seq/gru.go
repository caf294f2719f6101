package seq2seq

import (
	"math/rand/v2"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GRU is a gated recurrent unit cell:
//
//	z  = σ(x·Wz + h·Uz + bz)
//	r  = σ(x·Wr + h·Ur + br)
//	n  = tanh(x·Wn + bn + r ⊙ (h·Un))
//	h' = (1-z) ⊙ n + z ⊙ h
type GRU struct {
	Wz, Wr, Wn *context.Variable // [input, hidden]
	Uz, Ur, Un *context.Variable // [hidden, hidden]
	Bz, Br, Bn *context.Variable // [hidden]
}

func newGRU(ctx *context.Context, input, hidden int, u *uniform) *GRU {
	return &GRU{
		Wz: u.variable(ctx, "wz", input, hidden),
		Wr: u.variable(ctx, "wr", input, hidden),
		Wn: u.variable(ctx, "wn", input, hidden),
		Uz: u.variable(ctx, "uz", hidden, hidden),
		Ur: u.variable(ctx, "ur", hidden, hidden),
		Un: u.variable(ctx, "un", hidden, hidden),
		Bz: u.variable(ctx, "bz", hidden),
		Br: u.variable(ctx, "br", hidden),
		Bn: u.variable(ctx, "bn", hidden),
	}
}

func (c *GRU) variables() []*context.Variable {
	return []*context.Variable{c.Wz, c.Wr, c.Wn, c.Uz, c.Ur, c.Un, c.Bz, c.Br, c.Bn}
}

// Step builds the next hidden state for inputs x [batch, input] and state h [batch, hidden].
func (c *GRU) Step(x, h *Node) *Node {
	g := x.Graph()
	bias := func(b *context.Variable) *Node {
		return InsertAxes(b.ValueGraph(g), 0)
	}
	gate := func(w, u, b *context.Variable) *Node {
		return Sigmoid(Add(Add(MatMul(x, w.ValueGraph(g)), MatMul(h, u.ValueGraph(g))), bias(b)))
	}
	z := gate(c.Wz, c.Uz, c.Bz)
	r := gate(c.Wr, c.Ur, c.Br)
	n := Tanh(Add(
		Add(MatMul(x, c.Wn.ValueGraph(g)), bias(c.Bn)),
		Mul(r, MatMul(h, c.Un.ValueGraph(g)))))
	return Add(Mul(OneMinus(z), n), Mul(z, h))
}

// uniform creates variables initialized uniformly in [-scale, scale], drawn in creation order
// from a seeded generator.
type uniform struct {
	rng   *rand.Rand
	scale float64
}

func (u *uniform) variable(ctx *context.Context, name string, dims ...int) *context.Variable {
	size := 1
	for _, d := range dims {
		size *= d
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = (2*u.rng.Float64() - 1) * u.scale
	}
	return ctx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(data, dims...))
}
