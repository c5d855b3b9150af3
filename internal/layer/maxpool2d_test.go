package layer

import (
	"math"
	"testing"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func TestMaxPool2DForward(t *testing.T) {
	// Test 2x2 max pooling with stride 2 (single channel)
	pool := NewMaxPool2D("pool", 2, 2)

	// Input: 4x4 = 16 values
	// 1  2  3  4
	// 5  6  7  8
	// 9  10 11 12
	// 13 14 15 16
	input := tensor.FromData(1, 1, 4, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})

	output := pool.Forward(input)

	// max(1,2,5,6) = 6, max(3,4,7,8) = 8
	// max(9,10,13,14) = 14, max(11,12,15,16) = 16
	expected := []float32{6, 8, 14, 16}

	if output.Len() != 4 {
		t.Fatalf("Output length = %d, expected 4", output.Len())
	}
	for i := 0; i < 4; i++ {
		if math.Abs(float64(output.Data[i]-expected[i])) > 1e-10 {
			t.Errorf("Output[%d] = %f, expected %f", i, output.Data[i], expected[i])
		}
	}
}

func TestMaxPool2DForwardStride(t *testing.T) {
	// Test with stride different from kernel size (single channel)
	pool := NewMaxPool2D("pool", 2, 1)

	// 1 2 3
	// 4 5 6
	// 7 8 9
	input := tensor.FromData(1, 1, 3, 3, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	output := pool.Forward(input)

	expected := []float32{5, 6, 8, 9}
	for i := 0; i < 4; i++ {
		if output.Data[i] != expected[i] {
			t.Errorf("Output[%d] = %f, expected %f", i, output.Data[i], expected[i])
		}
	}
}

func TestMaxPool2DOddInput(t *testing.T) {
	// Odd trailing rows and columns are dropped
	pool := NewMaxPool2D("pool", 2, 2)
	_, h, w, err := pool.OutShape(4, 7, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h != 3 || w != 2 {
		t.Errorf("OutShape = %dx%d, expected 3x2", h, w)
	}
}

func TestMaxPool2DBackward(t *testing.T) {
	pool := NewMaxPool2D("pool", 2, 2)
	input := tensor.FromData(1, 2, 2, 2, []float32{
		1, 4, 2, 3, // channel 0: max at index 1
		9, 0, 0, 0, // channel 1: max at index 0
	})
	pool.Forward(input)
	grad := pool.Backward(tensor.FromData(1, 2, 1, 1, []float32{2, 3}))

	expected := []float32{0, 2, 0, 0, 3, 0, 0, 0}
	for i, v := range expected {
		if grad.Data[i] != v {
			t.Errorf("Grad[%d] = %f, expected %f", i, grad.Data[i], v)
		}
	}
}
