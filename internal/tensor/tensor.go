// Package tensor provides the batched image tensor shared by all layers.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense NCHW float32 batch.
// Data is stored channel-major: element (n, c, h, w) lives at
// ((n*C+c)*H+h)*W + w.
type Tensor struct {
	N, C, H, W int
	Data       []float32
}

// New allocates a zeroed tensor.
func New(n, c, h, w int) *Tensor {
	if n < 0 || c < 0 || h < 0 || w < 0 {
		panic(fmt.Sprintf("tensor: negative dimension %dx%dx%dx%d", n, c, h, w))
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// FromData wraps data without copying. It panics if the length does not match.
func FromData(n, c, h, w int, data []float32) *Tensor {
	if len(data) != n*c*h*w {
		panic(fmt.Sprintf("tensor: data length %d does not match %dx%dx%dx%d", len(data), n, c, h, w))
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: data}
}

// Like allocates a zeroed tensor with the same shape as t.
func Like(t *Tensor) *Tensor {
	return New(t.N, t.C, t.H, t.W)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := Like(t)
	copy(out.Data, t.Data)
	return out
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Index returns the flat offset of (n, c, h, w).
func (t *Tensor) Index(n, c, h, w int) int {
	return ((n*t.C+c)*t.H+h)*t.W + w
}

// At returns the element at (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float32 {
	return t.Data[t.Index(n, c, h, w)]
}

// Set stores v at (n, c, h, w).
func (t *Tensor) Set(n, c, h, w int, v float32) {
	t.Data[t.Index(n, c, h, w)] = v
}

// SampleLen is the element count of one sample (C*H*W).
func (t *Tensor) SampleLen() int {
	return t.C * t.H * t.W
}

// Sample returns a view of sample n as a batch of one.
func (t *Tensor) Sample(n int) *Tensor {
	size := t.SampleLen()
	return &Tensor{N: 1, C: t.C, H: t.H, W: t.W, Data: t.Data[n*size : (n+1)*size]}
}

// Plane returns the H*W slice for sample n, channel c.
func (t *Tensor) Plane(n, c int) []float32 {
	off := (n*t.C + c) * t.H * t.W
	return t.Data[off : off+t.H*t.W]
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.N == o.N && t.C == o.C && t.H == o.H && t.W == o.W
}

// Shape returns the dimensions as a slice.
func (t *Tensor) Shape() []int {
	return []int{t.N, t.C, t.H, t.W}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%dx%dx%dx%d]", t.N, t.C, t.H, t.W)
}

// Add accumulates o into t element-wise.
func (t *Tensor) Add(o *Tensor) {
	if !t.SameShape(o) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", t, o))
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	return AllFinite(t.Data)
}

// AllFinite reports whether no element of data is NaN or infinite.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Concat stacks batches along N. All inputs must share C, H and W.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: concat of zero tensors")
	}
	first := ts[0]
	n := 0
	for _, t := range ts {
		if t.C != first.C || t.H != first.H || t.W != first.W {
			return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v", first, t)
		}
		n += t.N
	}
	out := New(n, first.C, first.H, first.W)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out, nil
}

// ClipToUint8 clamps every element to [0, 255] and truncates to uint8.
// The source tensor is left untouched.
func (t *Tensor) ClipToUint8() []uint8 {
	out := make([]uint8, len(t.Data))
	for i, v := range t.Data {
		switch {
		case v != v || v <= 0:
			out[i] = 0
		case v >= 255:
			out[i] = 255
		default:
			out[i] = uint8(v)
		}
	}
	return out
}
