package vgg

import (
	"fmt"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Mode selects the input normalization the weights were trained with.
type Mode int

const (
	// Caffe flips RGB to BGR and subtracts the ImageNet means, keeping the 0-255 range.
	Caffe Mode = iota
	// Torch scales to [0, 1] and standardizes with the ImageNet mean and std.
	Torch
)

func (m Mode) String() string {
	if m == Torch {
		return "torch"
	}
	return "caffe"
}

var (
	caffeMean = [3]float32{103.939, 116.779, 123.68} // BGR
	torchMean = [3]float32{0.485, 0.456, 0.406}
	torchStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess returns the normalized copy of an RGB 0-255 batch.
func Preprocess(mode Mode, x *tensor.Tensor) *tensor.Tensor {
	if x.C != 3 {
		panic(fmt.Sprintf("vgg: preprocess needs 3 channels, got %v", x))
	}
	out := tensor.Like(x)
	for n := 0; n < x.N; n++ {
		for c := 0; c < 3; c++ {
			switch mode {
			case Caffe:
				src, dst := x.Plane(n, 2-c), out.Plane(n, c)
				for i, v := range src {
					dst[i] = v - caffeMean[c]
				}
			case Torch:
				src, dst := x.Plane(n, c), out.Plane(n, c)
				for i, v := range src {
					dst[i] = (v/255 - torchMean[c]) / torchStd[c]
				}
			}
		}
	}
	return out
}

// PreprocessBackward maps a gradient w.r.t. the normalized batch back to the
// RGB 0-255 batch.
func PreprocessBackward(mode Mode, grad *tensor.Tensor) *tensor.Tensor {
	out := tensor.Like(grad)
	for n := 0; n < grad.N; n++ {
		for c := 0; c < 3; c++ {
			switch mode {
			case Caffe:
				copy(out.Plane(n, 2-c), grad.Plane(n, c))
			case Torch:
				k := 1 / (255 * torchStd[c])
				src, dst := grad.Plane(n, c), out.Plane(n, c)
				for i, v := range src {
					dst[i] = v * k
				}
			}
		}
	}
	return out
}
