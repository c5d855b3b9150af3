package layer

import (
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Upsample2D repeats every pixel factor×factor times (nearest neighbour).
type Upsample2D struct {
	name   string
	factor int
}

// NewUpsample2D creates a nearest-neighbour upsampling layer.
func NewUpsample2D(name string, factor int) *Upsample2D {
	return &Upsample2D{name: name, factor: factor}
}

func (u *Upsample2D) Name() string     { return u.name }
func (u *Upsample2D) SetTraining(bool) {}
func (u *Upsample2D) Params() []*Param { return nil }
func (u *Upsample2D) Factor() int      { return u.factor }

// OutShape scales H and W by the factor.
func (u *Upsample2D) OutShape(c, h, w int) (int, int, int, error) {
	return c, h * u.factor, w * u.factor, nil
}

// Forward upsamples x.
func (u *Upsample2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	f := u.factor
	out := tensor.New(x.N, x.C, x.H*f, x.W*f)
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			src := x.Plane(n, c)
			dst := out.Plane(n, c)
			for i := 0; i < out.H; i++ {
				srow := src[(i/f)*x.W:]
				drow := dst[i*out.W : (i+1)*out.W]
				for j := range drow {
					drow[j] = srow[j/f]
				}
			}
		}
	}
	return out
}

// Backward sums each factor×factor block of grad.
func (u *Upsample2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	f := u.factor
	out := tensor.New(grad.N, grad.C, grad.H/f, grad.W/f)
	for n := 0; n < grad.N; n++ {
		for c := 0; c < grad.C; c++ {
			src := grad.Plane(n, c)
			dst := out.Plane(n, c)
			for i := 0; i < grad.H; i++ {
				drow := dst[(i/f)*out.W:]
				srow := src[i*grad.W : (i+1)*grad.W]
				for j, v := range srow {
					drow[j/f] += v
				}
			}
		}
	}
	return out
}
