package layer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func randTensor(rng *rand.Rand, n, c, h, w int) *tensor.Tensor {
	t := tensor.New(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// TestParamSetValue tests copying values into a parameter.
func TestParamSetValue(t *testing.T) {
	p := newParam("w", 2, 3)
	if p.Len() != 6 {
		t.Fatalf("Len() = %d, expected 6", p.Len())
	}
	if err := p.SetValue([]float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if p.Value[5] != 6 {
		t.Errorf("Value[5] = %f, expected 6", p.Value[5])
	}
	err := p.SetValue([]float32{1})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("SetValue with wrong length: got %v, want ErrShapeMismatch", err)
	}
}

// TestParamZeroGrad tests clearing accumulated gradients.
func TestParamZeroGrad(t *testing.T) {
	p := newParam("b", 4)
	for i := range p.Grad {
		p.Grad[i] = float32(i + 1)
	}
	p.ZeroGrad()
	for i, g := range p.Grad {
		if g != 0 {
			t.Errorf("Grad[%d] = %f, expected 0", i, g)
		}
	}
}

// TestInitializers tests the bounds of the uniform initializers.
func TestInitializers(t *testing.T) {
	tests := []struct {
		name  string
		limit float64
	}{
		{"glorot_uniform", math.Sqrt(6.0 / float64(27+72))},
		{"he_uniform", math.Sqrt(6.0 / 27)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init, err := InitializerByName(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			p := make([]float32, 1000)
			init(rand.New(rand.NewSource(1)), p, 27, 72)
			nonZero := 0
			for i, v := range p {
				if math.Abs(float64(v)) > tt.limit {
					t.Fatalf("p[%d] = %f outside ±%f", i, v, tt.limit)
				}
				if v != 0 {
					nonZero++
				}
			}
			if nonZero == 0 {
				t.Error("initializer produced only zeros")
			}
		})
	}

	if _, err := InitializerByName("orthogonal"); err == nil {
		t.Error("expected error for unknown initializer")
	}
}

// TestCountParams tests summing parameter sizes.
func TestCountParams(t *testing.T) {
	c := NewConv2D("c", 3, 8, 3, 1, ReflectFor(3), nil)
	if got := CountParams(c.Params()); got != 8*3*3*3+8 {
		t.Errorf("CountParams = %d, expected %d", got, 8*3*3*3+8)
	}
}
