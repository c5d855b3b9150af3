// Package layer provides neural network layer implementations.
package layer

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// ErrShapeMismatch is returned when an input cannot flow through a layer.
var ErrShapeMismatch = errors.New("shape mismatch")

// Layer is a neural network layer operating on NCHW batches.
//
// Forward caches what Backward needs while the layer is in training mode.
// Backward returns the gradient w.r.t. the last Forward input and accumulates
// parameter gradients into Params()[i].Grad.
type Layer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	Params() []*Param
	// OutShape returns the per-sample output shape for a C×H×W input,
	// or ErrShapeMismatch if the input cannot be processed.
	OutShape(c, h, w int) (int, int, int, error)
	SetTraining(training bool)
	Name() string
}

// Initializable is implemented by layers that own trainable parameters.
type Initializable interface {
	Init(rng *rand.Rand, init Initializer)
}

// Param is a named trainable tensor with its gradient buffer.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// Len returns the number of scalars in the parameter.
func (p *Param) Len() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// SetValue copies v into the parameter. Lengths must match.
func (p *Param) SetValue(v []float32) error {
	if len(v) != len(p.Value) {
		return fmt.Errorf("param %s: got %d values, want %d: %w", p.Name, len(v), len(p.Value), ErrShapeMismatch)
	}
	copy(p.Value, v)
	return nil
}

// CountParams sums the scalar count of params.
func CountParams(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.Len()
	}
	return total
}

func shapeErr(layer string, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", layer, fmt.Sprintf(format, args...), ErrShapeMismatch)
}
