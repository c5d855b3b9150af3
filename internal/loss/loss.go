// Package loss implements the perceptual losses of style transfer training.
package loss

import "fmt"

// BackwardInPlacer is an optional interface for loss functions that support
// in-place gradient computation to avoid allocations.
type BackwardInPlacer interface {
	BackwardInPlace(yPred, yTrue, grad []float32)
}

// Loss is a loss function with derivative.
type Loss interface {
	// Forward computes the loss between predicted and true values.
	Forward(yPred, yTrue []float32) float32

	// Backward computes the gradient of the loss w.r.t. prediction.
	// This creates a new slice and should be avoided in hot loops.
	Backward(yPred, yTrue []float32) []float32
}

// MSE (Mean Squared Error) loss.
type MSE struct{}

// Forward computes mean squared error: (1/n) * sum((y_pred - y_true)^2)
func (m MSE) Forward(yPred, yTrue []float32) float32 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("MSE: prediction and target must have same length")
	}

	var sum float64
	for i := 0; i < n; i++ {
		diff := float64(yPred[i]) - float64(yTrue[i])
		sum += diff * diff
	}
	return float32(sum / float64(n))
}

// Backward computes gradient: dL/dy_pred = (2/n) * (y_pred - y_true)
// Note: Returned slice is newly allocated for safety.
func (m MSE) Backward(yPred, yTrue []float32) []float32 {
	grad := make([]float32, len(yPred))
	m.BackwardInPlace(yPred, yTrue, grad)
	return grad
}

// BackwardInPlace computes gradient and stores it in the grad slice.
// This avoids allocation when grad slice is pre-allocated.
func (m MSE) BackwardInPlace(yPred, yTrue, grad []float32) {
	m.ScaledBackward(yPred, yTrue, grad, 1)
}

// ScaledBackward stores scale * dL/dy_pred in grad.
func (m MSE) ScaledBackward(yPred, yTrue, grad []float32, scale float32) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic(fmt.Sprintf("MSE: slices must have same length (%d, %d, %d)", n, len(yTrue), len(grad)))
	}

	factor := scale * 2 / float32(n)
	for i := 0; i < n; i++ {
		grad[i] = factor * (yPred[i] - yTrue[i])
	}
}
