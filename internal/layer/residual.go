package layer

import (
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/faststyle/internal/activations"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Residual is conv→norm→relu→conv→norm with an identity skip connection.
// Both convolutions are 3×3 with reflect padding so the block keeps its shape.
type Residual struct {
	name   string
	layers []Layer
	policy precision.Policy
}

// NewResidual creates a residual block of the given width.
func NewResidual(name string, filters int, eps float32, policy precision.Policy) *Residual {
	return &Residual{
		name: name,
		layers: []Layer{
			NewConv2D(name+"/conv1", filters, filters, 3, 1, ReflectFor(3), nil),
			NewInstanceNorm2D(name+"/norm1", filters, eps, activations.ReLU{}),
			NewConv2D(name+"/conv2", filters, filters, 3, 1, ReflectFor(3), nil),
			NewInstanceNorm2D(name+"/norm2", filters, eps, nil),
		},
		policy: policy,
	}
}

// Init initializes every sublayer.
func (r *Residual) Init(rng *rand.Rand, init Initializer) {
	for _, l := range r.layers {
		if i, ok := l.(Initializable); ok {
			i.Init(rng, init)
		}
	}
}

func (r *Residual) Name() string { return r.name }

// Layers returns the sublayers in forward order.
func (r *Residual) Layers() []Layer { return r.layers }

// SetTraining propagates the mode to every sublayer.
func (r *Residual) SetTraining(training bool) {
	for _, l := range r.layers {
		l.SetTraining(training)
	}
}

// OutShape checks the block can process the input and returns it unchanged.
func (r *Residual) OutShape(c, h, w int) (int, int, int, error) {
	oc, oh, ow := c, h, w
	for _, l := range r.layers {
		var err error
		if oc, oh, ow, err = l.OutShape(oc, oh, ow); err != nil {
			return 0, 0, 0, fmt.Errorf("%s: %w", r.name, err)
		}
	}
	if oc != c || oh != h || ow != w {
		return 0, 0, 0, shapeErr(r.name, "branch output %dx%dx%d differs from skip %dx%dx%d", oc, oh, ow, c, h, w)
	}
	return c, h, w, nil
}

// Forward computes x + F(x).
func (r *Residual) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := x
	for _, l := range r.layers {
		h = r.policy.RoundTensor(l.Forward(h))
	}
	out := h.Clone()
	out.Add(x)
	return r.policy.RoundTensor(out)
}

// Backward sends grad through the branch and adds it to the skip path.
func (r *Residual) Backward(grad *tensor.Tensor) *tensor.Tensor {
	g := grad
	for i := len(r.layers) - 1; i >= 0; i-- {
		g = r.policy.RoundTensor(r.layers[i].Backward(g))
	}
	dx := g.Clone()
	dx.Add(grad)
	return r.policy.RoundTensor(dx)
}

// Params returns the parameters of every sublayer.
func (r *Residual) Params() []*Param {
	var ps []*Param
	for _, l := range r.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
