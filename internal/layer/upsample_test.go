package layer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func TestUpsample2DForward(t *testing.T) {
	up := NewUpsample2D("up", 2)
	x := tensor.FromData(1, 1, 2, 2, []float32{1, 2, 3, 4})
	out := up.Forward(x)

	expected := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if out.H != 4 || out.W != 4 {
		t.Fatalf("output shape = %dx%d, expected 4x4", out.H, out.W)
	}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Output[%d] = %f, expected %f", i, out.Data[i], v)
		}
	}
}

// TestUpsample2DBackwardIsAdjoint tests <Ux, g> == <x, U'g>.
func TestUpsample2DBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	up := NewUpsample2D("up", 2)
	x := randTensor(rng, 2, 3, 3, 5)
	y := up.Forward(x)
	g := randTensor(rng, y.N, y.C, y.H, y.W)
	dx := up.Backward(g)

	if !dx.SameShape(x) {
		t.Fatalf("dx shape %v, expected %v", dx, x)
	}
	if lhs, rhs := dot(y.Data, g.Data), dot(x.Data, dx.Data); math.Abs(lhs-rhs) > 1e-3 {
		t.Errorf("<Ux,g> = %f, <x,U'g> = %f", lhs, rhs)
	}
}
