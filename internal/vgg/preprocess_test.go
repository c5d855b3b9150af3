package vgg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func TestPreprocessCaffe(t *testing.T) {
	// One pixel, RGB = (10, 20, 30)
	x := tensor.FromData(1, 3, 1, 1, []float32{10, 20, 30})
	out := Preprocess(Caffe, x)

	// BGR minus means
	expected := []float32{30 - 103.939, 20 - 116.779, 10 - 123.68}
	for i, v := range expected {
		assert.InDelta(t, v, out.Data[i], 1e-4)
	}
}

func TestPreprocessTorch(t *testing.T) {
	x := tensor.FromData(1, 3, 1, 1, []float32{255, 0, 127.5})
	out := Preprocess(Torch, x)

	expected := []float64{(1 - 0.485) / 0.229, (0 - 0.456) / 0.224, (0.5 - 0.406) / 0.225}
	for i, v := range expected {
		assert.InDelta(t, v, float64(out.Data[i]), 1e-4)
	}
}

// TestPreprocessBackwardIsAdjoint tests <P'g, dx> == <g, P dx> for the linear part.
func TestPreprocessBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, mode := range []Mode{Caffe, Torch} {
		x := tensor.New(2, 3, 3, 4)
		d := tensor.New(2, 3, 3, 4)
		g := tensor.New(2, 3, 3, 4)
		for i := range x.Data {
			x.Data[i] = float32(rng.Float64() * 255)
			d.Data[i] = float32(rng.NormFloat64())
			g.Data[i] = float32(rng.NormFloat64())
		}
		xd := x.Clone()
		xd.Add(d)
		// P(x + d) - P(x) is the linear part applied to d.
		pd := Preprocess(mode, xd)
		px := Preprocess(mode, x)
		var lhs, rhs float64
		back := PreprocessBackward(mode, g)
		for i := range pd.Data {
			lhs += float64(pd.Data[i]-px.Data[i]) * float64(g.Data[i])
			rhs += float64(d.Data[i]) * float64(back.Data[i])
		}
		assert.InDelta(t, lhs, rhs, 1e-2*math.Max(1, math.Abs(lhs)), mode.String())
	}
}
