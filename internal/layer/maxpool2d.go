package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// MaxPool2D implements 2D max pooling.
// Downsamples by taking the maximum over non-padded sliding windows.
// Stores argmax indices for correct gradient flow during backward pass.
type MaxPool2D struct {
	name       string
	kernelSize int
	stride     int

	training bool
	trace    *PoolTrace
}

// PoolTrace records where every pooled maximum came from.
type PoolTrace struct {
	argmax  []int32
	inShape [4]int
}

// NewMaxPool2D creates a new 2D max pooling layer.
// kernelSize: size of pooling window (square)
// stride: stride for pooling
func NewMaxPool2D(name string, kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{name: name, kernelSize: kernelSize, stride: stride, training: true}
}

func (m *MaxPool2D) Name() string     { return m.name }
func (m *MaxPool2D) Params() []*Param { return nil }

// SetTraining sets whether the layer is in training mode.
func (m *MaxPool2D) SetTraining(training bool) {
	m.training = training
	if !training {
		m.trace = nil
	}
}

// OutShape calculates the output dimensions.
func (m *MaxPool2D) OutShape(c, h, w int) (int, int, int, error) {
	if h < m.kernelSize || w < m.kernelSize {
		return 0, 0, 0, shapeErr(m.name, "input %dx%d smaller than window %d", h, w, m.kernelSize)
	}
	return c, (h-m.kernelSize)/m.stride + 1, (w-m.kernelSize)/m.stride + 1, nil
}

// Forward performs max pooling and caches the argmax when training.
func (m *MaxPool2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	out, tr := m.Run(x)
	if m.training {
		m.trace = tr
	}
	return out
}

// Run pools x without touching layer state.
func (m *MaxPool2D) Run(x *tensor.Tensor) (*tensor.Tensor, *PoolTrace) {
	_, outH, outW, err := m.OutShape(x.C, x.H, x.W)
	if err != nil {
		panic(err)
	}
	out := tensor.New(x.N, x.C, outH, outW)
	argmax := make([]int32, out.Len())
	idx := 0
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			plane := x.Plane(n, c)
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best := -1
					var maxVal float32
					for kh := 0; kh < m.kernelSize; kh++ {
						row := (oh*m.stride + kh) * x.W
						for kw := 0; kw < m.kernelSize; kw++ {
							i := row + ow*m.stride + kw
							if best < 0 || plane[i] > maxVal {
								best, maxVal = i, plane[i]
							}
						}
					}
					out.Data[idx] = maxVal
					argmax[idx] = int32(best)
					idx++
				}
			}
		}
	}
	return out, &PoolTrace{argmax: argmax, inShape: [4]int{x.N, x.C, x.H, x.W}}
}

// Backward routes each gradient to the input position that won the window.
func (m *MaxPool2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if m.trace == nil {
		panic(fmt.Sprintf("%s: Backward called without a training Forward", m.name))
	}
	return m.Grad(m.trace, grad)
}

// Grad differentiates a traced pooling pass.
func (m *MaxPool2D) Grad(tr *PoolTrace, grad *tensor.Tensor) *tensor.Tensor {
	if grad.Len() != len(tr.argmax) {
		panic(fmt.Sprintf("%s: gradient %v does not match pooled output", m.name, grad))
	}
	s := tr.inShape
	dx := tensor.New(s[0], s[1], s[2], s[3])
	per := grad.H * grad.W
	for p := 0; p < grad.N*grad.C; p++ {
		plane := dx.Data[p*s[2]*s[3] : (p+1)*s[2]*s[3]]
		for i, v := range grad.Data[p*per : (p+1)*per] {
			plane[tr.argmax[p*per+i]] += v
		}
	}
	return dx
}
