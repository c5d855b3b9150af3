package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// PadMode selects how border pixels are synthesized.
type PadMode int

const (
	// PadZero fills the border with zeros.
	PadZero PadMode = iota
	// PadReflect mirrors the image about its edge, excluding the edge pixel.
	PadReflect
)

func (m PadMode) String() string {
	if m == PadReflect {
		return "reflect"
	}
	return "zero"
}

// Padding pads H and W by Size on both sides. It is a plain value so it can be
// composed in front of any convolution.
type Padding struct {
	Mode PadMode
	Size int
}

// ReflectFor returns reflect padding of kernel/2, which keeps a stride-1
// convolution shape preserving.
func ReflectFor(kernel int) Padding {
	return Padding{Mode: PadReflect, Size: kernel / 2}
}

// SameFor returns zero padding of kernel/2.
func SameFor(kernel int) Padding {
	return Padding{Mode: PadZero, Size: kernel / 2}
}

// Validate checks that an h×w plane can be padded.
func (p Padding) Validate(h, w int) error {
	if p.Size < 0 {
		return shapeErr("padding", "negative size %d", p.Size)
	}
	if p.Mode == PadReflect && (p.Size >= h || p.Size >= w) {
		return shapeErr("padding", "reflect pad %d needs a plane larger than %dx%d", p.Size, h, w)
	}
	return nil
}

// Apply returns a padded copy of x. With Size 0 it returns x itself.
func (p Padding) Apply(x *tensor.Tensor) *tensor.Tensor {
	if p.Size == 0 {
		return x
	}
	if err := p.Validate(x.H, x.W); err != nil {
		panic(err)
	}
	s := p.Size
	hp, wp := x.H+2*s, x.W+2*s
	out := tensor.New(x.N, x.C, hp, wp)
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			src := x.Plane(n, c)
			dst := out.Plane(n, c)
			for i := 0; i < hp; i++ {
				si, ok := p.source(i-s, x.H)
				if !ok {
					continue
				}
				row := dst[i*wp : (i+1)*wp]
				srow := src[si*x.W : (si+1)*x.W]
				copy(row[s:s+x.W], srow)
				if p.Mode == PadReflect {
					for j := 0; j < s; j++ {
						row[s-1-j] = srow[j+1]
						row[s+x.W+j] = srow[x.W-2-j]
					}
				}
			}
		}
	}
	return out
}

// Backward folds the gradient of a padded tensor back onto the h×w input.
// Reflected border positions add into the pixels they were copied from.
func (p Padding) Backward(grad *tensor.Tensor, h, w int) *tensor.Tensor {
	if p.Size == 0 {
		return grad
	}
	s := p.Size
	if grad.H != h+2*s || grad.W != w+2*s {
		panic(fmt.Sprintf("padding: gradient %v does not match %dx%d padded by %d", grad, h, w, s))
	}
	out := tensor.New(grad.N, grad.C, h, w)
	for n := 0; n < grad.N; n++ {
		for c := 0; c < grad.C; c++ {
			src := grad.Plane(n, c)
			dst := out.Plane(n, c)
			for i := 0; i < grad.H; i++ {
				si, ok := p.source(i-s, h)
				if !ok {
					continue
				}
				for j := 0; j < grad.W; j++ {
					sj, ok := p.source(j-s, w)
					if !ok {
						continue
					}
					dst[si*w+sj] += src[i*grad.W+j]
				}
			}
		}
	}
	return out
}

// source maps a padded coordinate to the input coordinate it reads, or false
// when the position is a zero border.
func (p Padding) source(i, n int) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	if p.Mode == PadZero {
		return 0, false
	}
	if i < 0 {
		return -i, true
	}
	return 2*(n-1) - i, true
}
