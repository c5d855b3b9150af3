package layer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// TestReflectPadValues tests that reflection excludes the edge pixel.
func TestReflectPadValues(t *testing.T) {
	// 1 2 3
	// 4 5 6
	// 7 8 9
	x := tensor.FromData(1, 1, 3, 3, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	out := Padding{Mode: PadReflect, Size: 1}.Apply(x)

	expected := []float32{
		5, 4, 5, 6, 5,
		2, 1, 2, 3, 2,
		5, 4, 5, 6, 5,
		8, 7, 8, 9, 8,
		5, 4, 5, 6, 5,
	}
	if out.H != 5 || out.W != 5 {
		t.Fatalf("padded shape = %dx%d, expected 5x5", out.H, out.W)
	}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Data[%d] = %f, expected %f", i, out.Data[i], v)
		}
	}
}

// TestZeroPadValues tests that zero padding surrounds the input with zeros.
func TestZeroPadValues(t *testing.T) {
	x := tensor.FromData(1, 1, 2, 2, []float32{1, 2, 3, 4})
	out := SameFor(3).Apply(x)
	expected := []float32{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Data[%d] = %f, expected %f", i, out.Data[i], v)
		}
	}
}

// TestPaddingBackwardIsAdjoint tests <Apply(x), g> == <x, Backward(g)>.
func TestPaddingBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, p := range []Padding{ReflectFor(9), ReflectFor(3), SameFor(3), {Mode: PadReflect, Size: 0}} {
		x := randTensor(rng, 2, 3, 6, 7)
		y := p.Apply(x)
		g := randTensor(rng, y.N, y.C, y.H, y.W)
		dx := p.Backward(g, x.H, x.W)

		lhs := dot(y.Data, g.Data)
		rhs := dot(x.Data, dx.Data)
		if math.Abs(lhs-rhs) > 1e-3 {
			t.Errorf("%v pad %d: <Px,g> = %f, <x,P'g> = %f", p.Mode, p.Size, lhs, rhs)
		}
	}
}

// TestReflectPadTooLarge tests that reflect padding rejects small planes.
func TestReflectPadTooLarge(t *testing.T) {
	err := ReflectFor(9).Validate(4, 16)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Validate = %v, want ErrShapeMismatch", err)
	}
	if err := ReflectFor(9).Validate(5, 5); err != nil {
		t.Errorf("Validate(5, 5) = %v, want nil", err)
	}
}
