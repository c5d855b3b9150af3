// Package precision describes the numeric policy of one training run.
//
// Master weights are always float32. Under a mixed policy every activation and
// every backpropagated gradient is rounded to the compute dtype at layer
// boundaries, which reproduces the range limits (overflow to Inf, underflow to
// zero) of half-precision arithmetic.
package precision

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// DType is a floating point storage type.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Policy pairs a compute dtype with the variable dtype.
type Policy struct {
	Name     string
	Compute  DType
	Variable DType
}

var (
	// FullFloat32 computes and stores everything in float32.
	FullFloat32 = Policy{Name: "float32", Compute: Float32, Variable: Float32}
	// MixedFloat16 computes in float16 with float32 master weights.
	MixedFloat16 = Policy{Name: "mixed_float16", Compute: Float16, Variable: Float32}
)

// Parse returns the policy registered under name.
func Parse(name string) (Policy, error) {
	switch name {
	case FullFloat32.Name, "":
		return FullFloat32, nil
	case MixedFloat16.Name:
		return MixedFloat16, nil
	}
	return Policy{}, fmt.Errorf("precision: unknown policy %q", name)
}

// Mixed reports whether the compute dtype is narrower than the variable dtype.
func (p Policy) Mixed() bool {
	return p.Compute != p.Variable
}

// Round quantizes data in place to the compute dtype.
func (p Policy) Round(data []float32) {
	if p.Compute != Float16 {
		return
	}
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// RoundTensor quantizes t in place and returns it.
func (p Policy) RoundTensor(t *tensor.Tensor) *tensor.Tensor {
	if t != nil {
		p.Round(t.Data)
	}
	return t
}

// ToHalf converts data to IEEE 754 half precision bit patterns.
func ToHalf(data []float32) []uint16 {
	out := make([]uint16, len(data))
	for i, v := range data {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}
