package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/FlavioCFOliveira/faststyle/internal/activations"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// InstanceNorm2D normalizes every (sample, channel) plane to zero mean and
// unit variance, then applies a learned per-channel affine and an activation.
type InstanceNorm2D struct {
	name        string
	numFeatures int
	eps         float32

	gamma *Param
	beta  *Param

	activation activations.Activation

	training bool

	// Saved for backward
	xhat   *tensor.Tensor
	pre    *tensor.Tensor
	invStd []float32
}

// NewInstanceNorm2D creates an instance normalization layer over numFeatures channels.
func NewInstanceNorm2D(name string, numFeatures int, eps float32, activation activations.Activation) *InstanceNorm2D {
	if activation == nil {
		activation = activations.Linear{}
	}
	n := &InstanceNorm2D{
		name:        name,
		numFeatures: numFeatures,
		eps:         eps,
		gamma:       newParam(name+"/gamma", numFeatures),
		beta:        newParam(name+"/beta", numFeatures),
		activation:  activation,
		training:    true,
	}
	for i := range n.gamma.Value {
		n.gamma.Value[i] = 1
	}
	return n
}

// Init fills gamma and beta with init.
func (n *InstanceNorm2D) Init(rng *rand.Rand, init Initializer) {
	init(rng, n.gamma.Value, n.numFeatures, n.numFeatures)
	init(rng, n.beta.Value, n.numFeatures, n.numFeatures)
}

func (n *InstanceNorm2D) Name() string { return n.name }

// SetTraining sets whether the layer keeps its forward trace.
func (n *InstanceNorm2D) SetTraining(training bool) {
	n.training = training
	if !training {
		n.xhat, n.pre, n.invStd = nil, nil, nil
	}
}

// OutShape returns the input shape unchanged.
func (n *InstanceNorm2D) OutShape(c, h, w int) (int, int, int, error) {
	if c != n.numFeatures {
		return 0, 0, 0, shapeErr(n.name, "got %d channels, want %d", c, n.numFeatures)
	}
	return c, h, w, nil
}

// Forward normalizes x.
func (n *InstanceNorm2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	if _, _, _, err := n.OutShape(x.C, x.H, x.W); err != nil {
		panic(err)
	}
	m := x.H * x.W
	xhat := tensor.Like(x)
	pre := tensor.Like(x)
	invStd := make([]float32, x.N*x.C)

	for s := 0; s < x.N; s++ {
		for c := 0; c < x.C; c++ {
			plane := x.Plane(s, c)
			var mean float64
			for _, v := range plane {
				mean += float64(v)
			}
			mean /= float64(m)
			var variance float64
			for _, v := range plane {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(m)
			is := float32(1 / math.Sqrt(variance+float64(n.eps)))
			invStd[s*x.C+c] = is

			g, b := n.gamma.Value[c], n.beta.Value[c]
			xh := xhat.Plane(s, c)
			out := pre.Plane(s, c)
			mf := float32(mean)
			for i, v := range plane {
				xh[i] = (v - mf) * is
				out[i] = g*xh[i] + b
			}
		}
	}

	post := pre
	if _, linear := n.activation.(activations.Linear); !linear {
		post = pre.Clone()
		activations.ApplyInPlace(n.activation, post.Data)
	}
	if n.training {
		n.xhat, n.pre, n.invStd = xhat, pre, invStd
	}
	return post
}

// Backward returns the input gradient and accumulates gamma/beta gradients.
func (n *InstanceNorm2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if n.xhat == nil {
		panic(fmt.Sprintf("%s: Backward called without a training Forward", n.name))
	}
	if !grad.SameShape(n.pre) {
		panic(fmt.Sprintf("%s: gradient %v does not match output %v", n.name, grad, n.pre))
	}
	dy := grad.Clone()
	activations.BackwardInPlace(n.activation, n.pre.Data, dy.Data)

	m := float32(grad.H * grad.W)
	dx := tensor.Like(grad)
	for s := 0; s < grad.N; s++ {
		for c := 0; c < grad.C; c++ {
			g := dy.Plane(s, c)
			xh := n.xhat.Plane(s, c)
			gamma := n.gamma.Value[c]

			var sumDy, sumDyXh float32
			for i, v := range g {
				sumDy += v
				sumDyXh += v * xh[i]
			}
			n.gamma.Grad[c] += sumDyXh
			n.beta.Grad[c] += sumDy

			// dxhat = gamma*dy, so the plane sums scale by gamma as well.
			is := n.invStd[s*grad.C+c]
			k := gamma * is / m
			out := dx.Plane(s, c)
			for i, v := range g {
				out[i] = k * (m*v - sumDy - xh[i]*sumDyXh)
			}
		}
	}
	return dx
}

// Params returns gamma and beta.
func (n *InstanceNorm2D) Params() []*Param {
	return []*Param{n.gamma, n.beta}
}

// Gamma returns the scale parameter.
func (n *InstanceNorm2D) Gamma() *Param { return n.gamma }

// Beta returns the shift parameter.
func (n *InstanceNorm2D) Beta() *Param { return n.beta }
