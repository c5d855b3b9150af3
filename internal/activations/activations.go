// Package activations provides activation functions optimized for performance.
package activations

// Activation is an element-wise activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float32) float32

	// Derivative computes f'(x) given the pre-activation value x
	Derivative(x float32) float32

	// Name identifies the activation in summaries and checkpoints
	Name() string
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float32) float32 {
	if x > 0 {
		return 1
	}
	return 0
}

func (r ReLU) Name() string { return "relu" }

// Linear is the identity activation used by output heads.
type Linear struct{}

// Activate returns x unchanged
func (l Linear) Activate(x float32) float32 {
	return x
}

// Derivative is always 1
func (l Linear) Derivative(x float32) float32 {
	return 1
}

func (l Linear) Name() string { return "linear" }

// ApplyInPlace runs act over data, storing results in place.
func ApplyInPlace(act Activation, data []float32) {
	switch act.(type) {
	case Linear:
		return
	case ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
		return
	}
	for i, v := range data {
		data[i] = act.Activate(v)
	}
}

// BackwardInPlace multiplies grad by f'(pre) element-wise.
func BackwardInPlace(act Activation, pre, grad []float32) {
	if len(pre) != len(grad) {
		panic("activations: pre-activation and gradient must have same length")
	}
	if _, ok := act.(Linear); ok {
		return
	}
	for i := range grad {
		grad[i] *= act.Derivative(pre[i])
	}
}

// ByName returns the activation registered under name.
func ByName(name string) (Activation, bool) {
	switch name {
	case "relu":
		return ReLU{}, true
	case "linear":
		return Linear{}, true
	}
	return nil, false
}
