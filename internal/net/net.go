// Package net assembles layers into the image transform network.
package net

import (
	"fmt"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Network is a chain of layers run under one precision policy.
//
// Activations and gradients are rounded to the compute dtype between layers.
// The last layer's output is left in float32.
type Network struct {
	layers []layer.Layer
	policy precision.Policy
}

// New creates a network from the given layers.
func New(policy precision.Policy, layers ...layer.Layer) *Network {
	return &Network{layers: layers, policy: policy}
}

// Forward performs a forward pass through all layers.
func (n *Network) Forward(x *tensor.Tensor) *tensor.Tensor {
	curr := x
	if n.policy.Mixed() {
		curr = n.policy.RoundTensor(x.Clone())
	}
	last := len(n.layers) - 1
	for i, l := range n.layers {
		curr = l.Forward(curr)
		if i != last {
			n.policy.RoundTensor(curr)
		}
	}
	return curr
}

// Backward performs a backward pass through all layers.
func (n *Network) Backward(grad *tensor.Tensor) *tensor.Tensor {
	curr := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		curr = n.policy.RoundTensor(n.layers[i].Backward(curr))
	}
	return curr
}

// OutShape walks the per-sample shape through every layer.
func (n *Network) OutShape(c, h, w int) (int, int, int, error) {
	for _, l := range n.layers {
		var err error
		if c, h, w, err = l.OutShape(c, h, w); err != nil {
			return 0, 0, 0, err
		}
	}
	return c, h, w, nil
}

// Params returns all trainable parameters in layer order.
func (n *Network) Params() []*layer.Param {
	var params []*layer.Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// ZeroGrad clears every parameter gradient.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}

// SetTraining sets the training mode for all layers.
func (n *Network) SetTraining(training bool) {
	for _, l := range n.layers {
		l.SetTraining(training)
	}
}

// Layers returns the network's layers slice.
func (n *Network) Layers() []layer.Layer {
	return n.layers
}

// Policy returns the precision policy.
func (n *Network) Policy() precision.Policy {
	return n.policy
}

// Weights returns a copy of every parameter value keyed by name.
func (n *Network) Weights() map[string][]float32 {
	out := make(map[string][]float32)
	for _, p := range n.Params() {
		out[p.Name] = append([]float32(nil), p.Value...)
	}
	return out
}

// LoadWeights copies named values into the parameters. Every parameter must
// be present with the right length.
func (n *Network) LoadWeights(weights map[string][]float32) error {
	params := n.Params()
	if len(weights) != len(params) {
		return fmt.Errorf("net: got %d tensors, want %d: %w", len(weights), len(params), layer.ErrShapeMismatch)
	}
	for _, p := range params {
		v, ok := weights[p.Name]
		if !ok {
			return fmt.Errorf("net: missing tensor %s: %w", p.Name, layer.ErrShapeMismatch)
		}
		if err := p.SetValue(v); err != nil {
			return fmt.Errorf("net: %w", err)
		}
	}
	return nil
}
