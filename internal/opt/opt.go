// Package opt provides the Adam optimizer and dynamic loss scaling.
package opt

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter using p.Grad.
	Step(params []*layer.Param) error
}

// Adam optimizer with bias-corrected moments.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment
	Beta2        float64 // Exponential decay rate for second moment
	Epsilon      float64 // Small constant for numerical stability

	state AdamState
}

// AdamState is the persistent state of Adam: the iteration count and the
// first and second moments keyed by parameter name.
type AdamState struct {
	Iterations int64
	M          map[string][]float32
	V          map[string][]float32
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		state:        AdamState{M: map[string][]float32{}, V: map[string][]float32{}},
	}
}

// Step updates params in place:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g²
//	p -= lr * sqrt(1-b2^t)/(1-b1^t) * m / (sqrt(v) + eps)
func (a *Adam) Step(params []*layer.Param) error {
	for _, p := range params {
		if m, ok := a.state.M[p.Name]; ok && len(m) != p.Len() {
			return fmt.Errorf("adam: moment for %s has %d values, param %d", p.Name, len(m), p.Len())
		}
	}
	a.state.Iterations++
	t := float64(a.state.Iterations)
	lrT := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	for _, p := range params {
		m, v := a.moments(p)
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			p.Value[i] -= float32(lrT * float64(m[i]) / (math.Sqrt(float64(v[i])) + a.Epsilon))
		}
	}
	return nil
}

func (a *Adam) moments(p *layer.Param) ([]float32, []float32) {
	m, ok := a.state.M[p.Name]
	if !ok {
		m = make([]float32, p.Len())
		a.state.M[p.Name] = m
	}
	v, ok := a.state.V[p.Name]
	if !ok {
		v = make([]float32, p.Len())
		a.state.V[p.Name] = v
	}
	return m, v
}

// Iterations returns the number of applied updates.
func (a *Adam) Iterations() int64 {
	return a.state.Iterations
}

// State returns a deep copy of the optimizer state.
func (a *Adam) State() AdamState {
	s := AdamState{
		Iterations: a.state.Iterations,
		M:          make(map[string][]float32, len(a.state.M)),
		V:          make(map[string][]float32, len(a.state.V)),
	}
	for k, m := range a.state.M {
		s.M[k] = append([]float32(nil), m...)
	}
	for k, v := range a.state.V {
		s.V[k] = append([]float32(nil), v...)
	}
	return s
}

// SetState replaces the optimizer state with a copy of s.
func (a *Adam) SetState(s AdamState) {
	a.state = AdamState{
		Iterations: s.Iterations,
		M:          make(map[string][]float32, len(s.M)),
		V:          make(map[string][]float32, len(s.V)),
	}
	for k, m := range s.M {
		a.state.M[k] = append([]float32(nil), m...)
	}
	for k, v := range s.V {
		a.state.V[k] = append([]float32(nil), v...)
	}
}
