// Package layer provides neural network layer implementations.
package layer

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/FlavioCFOliveira/faststyle/internal/activations"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// maxColsElems bounds the im2col scratch buffer of one tile (16 MiB of float32).
const maxColsElems = 4 << 20

// Conv2D implements a padded, strided 2D convolution followed by an activation.
//
// The convolution is lowered to a matrix product: each output tile is
// W[outC, inC*k*k] x cols[inC*k*k, tile], computed with BLAS.
type Conv2D struct {
	name        string
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     Padding

	// Weights: [outChannels, inChannels, kernelSize, kernelSize]
	weight *Param
	bias   *Param

	activation activations.Activation

	// frozen convolutions propagate input gradients but never accumulate
	// parameter gradients.
	frozen   bool
	training bool
	trace    *ConvTrace
}

// ConvTrace holds what one forward pass needs to be differentiated.
type ConvTrace struct {
	padded *tensor.Tensor
	pre    *tensor.Tensor
	inH    int
	inW    int
}

// NewConv2D creates a new 2D convolutional layer.
// inChannels: number of input channels
// outChannels: number of output feature maps
// kernelSize: size of convolutional kernel (square)
// stride: stride for convolution
// padding: border handling applied before the convolution
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride int, padding Padding,
	activation activations.Activation) *Conv2D {
	if activation == nil {
		activation = activations.Linear{}
	}
	return &Conv2D{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      newParam(name+"/kernel", outChannels, inChannels, kernelSize, kernelSize),
		bias:        newParam(name+"/bias", outChannels),
		activation:  activation,
		training:    true,
	}
}

// Init fills the kernel with init and zeroes the bias.
func (c *Conv2D) Init(rng *rand.Rand, init Initializer) {
	k2 := c.kernelSize * c.kernelSize
	init(rng, c.weight.Value, c.inChannels*k2, c.outChannels*k2)
	Zeros(rng, c.bias.Value, 0, 0)
}

// Freeze stops parameter gradient accumulation.
func (c *Conv2D) Freeze() {
	c.frozen = true
}

// Frozen reports whether the layer is frozen.
func (c *Conv2D) Frozen() bool {
	return c.frozen
}

func (c *Conv2D) Name() string { return c.name }

// SetTraining toggles caching of the forward trace.
func (c *Conv2D) SetTraining(training bool) {
	c.training = training
	if !training {
		c.trace = nil
	}
}

// OutShape returns the output shape for a C×H×W input.
func (c *Conv2D) OutShape(ch, h, w int) (int, int, int, error) {
	if ch != c.inChannels {
		return 0, 0, 0, shapeErr(c.name, "got %d input channels, want %d", ch, c.inChannels)
	}
	if err := c.padding.Validate(h, w); err != nil {
		return 0, 0, 0, fmt.Errorf("%s: %w", c.name, err)
	}
	hp, wp := h+2*c.padding.Size, w+2*c.padding.Size
	if hp < c.kernelSize || wp < c.kernelSize {
		return 0, 0, 0, shapeErr(c.name, "padded input %dx%d smaller than kernel %d", hp, wp, c.kernelSize)
	}
	return c.outChannels, (hp-c.kernelSize)/c.stride + 1, (wp-c.kernelSize)/c.stride + 1, nil
}

// Forward performs a forward pass through the convolutional layer.
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	out, tr := c.Run(x)
	if c.training {
		c.trace = tr
	}
	return out
}

// Run computes the layer output without touching layer state, so frozen
// layers can be shared by concurrent callers.
func (c *Conv2D) Run(x *tensor.Tensor) (*tensor.Tensor, *ConvTrace) {
	_, outH, outW, err := c.OutShape(x.C, x.H, x.W)
	if err != nil {
		panic(err)
	}
	xp := c.padding.Apply(x)

	pre := tensor.New(x.N, c.outChannels, outH, outW)
	K := c.inChannels * c.kernelSize * c.kernelSize
	P := outH * outW
	rows := tileRows(K, outH, outW)
	cols := make([]float32, K*rows*outW)

	W := blas32.General{Rows: c.outChannels, Cols: K, Stride: K, Data: c.weight.Value}
	for n := 0; n < x.N; n++ {
		out := pre.Data[n*c.outChannels*P : (n+1)*c.outChannels*P]
		for oc := 0; oc < c.outChannels; oc++ {
			b := c.bias.Value[oc]
			row := out[oc*P : (oc+1)*P]
			for i := range row {
				row[i] = b
			}
		}
		for oh0 := 0; oh0 < outH; oh0 += rows {
			oh1 := min(oh0+rows, outH)
			tp := (oh1 - oh0) * outW
			c.im2col(xp, n, oh0, oh1, outW, cols[:K*tp])
			B := blas32.General{Rows: K, Cols: tp, Stride: tp, Data: cols[:K*tp]}
			C := blas32.General{Rows: c.outChannels, Cols: tp, Stride: P, Data: out[oh0*outW:]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, W, B, 1, C)
		}
	}

	post := pre
	if _, linear := c.activation.(activations.Linear); !linear {
		post = pre.Clone()
		activations.ApplyInPlace(c.activation, post.Data)
	}
	return post, &ConvTrace{padded: xp, pre: pre, inH: x.H, inW: x.W}
}

// Backward performs backpropagation through the convolutional layer using
// the trace of the last training-mode Forward.
func (c *Conv2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if c.trace == nil {
		panic(fmt.Sprintf("%s: Backward called without a training Forward", c.name))
	}
	return c.Grad(c.trace, grad, !c.frozen)
}

// Grad differentiates a traced forward pass. Parameter gradients are
// accumulated only when accumulate is true and the layer is not frozen;
// otherwise the layer is only read.
func (c *Conv2D) Grad(tr *ConvTrace, grad *tensor.Tensor, accumulate bool) *tensor.Tensor {
	if !grad.SameShape(tr.pre) {
		panic(fmt.Sprintf("%s: gradient %v does not match output %v", c.name, grad, tr.pre))
	}
	accumulate = accumulate && !c.frozen

	dpre := grad.Clone()
	activations.BackwardInPlace(c.activation, tr.pre.Data, dpre.Data)

	xp := tr.padded
	outH, outW := tr.pre.H, tr.pre.W
	K := c.inChannels * c.kernelSize * c.kernelSize
	P := outH * outW
	rows := tileRows(K, outH, outW)
	cols := make([]float32, K*rows*outW)
	dcols := make([]float32, K*rows*outW)
	dxp := tensor.Like(xp)

	W := blas32.General{Rows: c.outChannels, Cols: K, Stride: K, Data: c.weight.Value}
	dW := blas32.General{Rows: c.outChannels, Cols: K, Stride: K, Data: c.weight.Grad}
	for n := 0; n < xp.N; n++ {
		g := dpre.Data[n*c.outChannels*P : (n+1)*c.outChannels*P]
		if accumulate {
			for oc := 0; oc < c.outChannels; oc++ {
				var sum float32
				for _, v := range g[oc*P : (oc+1)*P] {
					sum += v
				}
				c.bias.Grad[oc] += sum
			}
		}
		for oh0 := 0; oh0 < outH; oh0 += rows {
			oh1 := min(oh0+rows, outH)
			tp := (oh1 - oh0) * outW
			G := blas32.General{Rows: c.outChannels, Cols: tp, Stride: P, Data: g[oh0*outW:]}
			if accumulate {
				c.im2col(xp, n, oh0, oh1, outW, cols[:K*tp])
				B := blas32.General{Rows: K, Cols: tp, Stride: tp, Data: cols[:K*tp]}
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, G, B, 1, dW)
			}
			D := blas32.General{Rows: K, Cols: tp, Stride: tp, Data: dcols[:K*tp]}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, W, G, 0, D)
			c.col2im(dcols[:K*tp], dxp, n, oh0, oh1, outW)
		}
	}
	return c.padding.Backward(dxp, tr.inH, tr.inW)
}

// im2col unrolls output rows [oh0, oh1) of sample n into cols, laid out as
// [inC*k*k, (oh1-oh0)*outW].
func (c *Conv2D) im2col(xp *tensor.Tensor, n, oh0, oh1, outW int, cols []float32) {
	k, s := c.kernelSize, c.stride
	tp := (oh1 - oh0) * outW
	for ic := 0; ic < c.inChannels; ic++ {
		plane := xp.Plane(n, ic)
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((ic*k+kh)*k+kw)*tp:]
				i := 0
				for oh := oh0; oh < oh1; oh++ {
					src := plane[(oh*s+kh)*xp.W+kw:]
					for ow := 0; ow < outW; ow++ {
						row[i] = src[ow*s]
						i++
					}
				}
			}
		}
	}
}

// col2im scatters-adds cols back onto the padded gradient of sample n.
func (c *Conv2D) col2im(cols []float32, dxp *tensor.Tensor, n, oh0, oh1, outW int) {
	k, s := c.kernelSize, c.stride
	tp := (oh1 - oh0) * outW
	for ic := 0; ic < c.inChannels; ic++ {
		plane := dxp.Plane(n, ic)
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((ic*k+kh)*k+kw)*tp:]
				i := 0
				for oh := oh0; oh < oh1; oh++ {
					dst := plane[(oh*s+kh)*dxp.W+kw:]
					for ow := 0; ow < outW; ow++ {
						dst[ow*s] += row[i]
						i++
					}
				}
			}
		}
	}
}

// tileRows picks how many output rows are unrolled at once.
func tileRows(K, outH, outW int) int {
	rows := maxColsElems / (K * outW)
	if rows < 1 {
		rows = 1
	}
	if rows > outH {
		rows = outH
	}
	return rows
}

// Params returns the kernel and bias.
func (c *Conv2D) Params() []*Param {
	return []*Param{c.weight, c.bias}
}

// Weight returns the kernel parameter.
func (c *Conv2D) Weight() *Param { return c.weight }

// Bias returns the bias parameter.
func (c *Conv2D) Bias() *Param { return c.bias }

// InSize returns the number of input channels.
func (c *Conv2D) InSize() int {
	return c.inChannels
}

// OutSize returns the number of output channels.
func (c *Conv2D) OutSize() int {
	return c.outChannels
}

// KernelSize returns the kernel size.
func (c *Conv2D) KernelSize() int {
	return c.kernelSize
}

// Stride returns the stride.
func (c *Conv2D) Stride() int {
	return c.stride
}

// Padding returns the padding applied before the convolution.
func (c *Conv2D) Padding() Padding {
	return c.padding
}

// Activation returns the activation function.
func (c *Conv2D) Activation() activations.Activation {
	return c.activation
}
