package net

import (
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/faststyle/internal/activations"
	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// NormEpsilon is the variance epsilon of every instance norm.
const NormEpsilon = 1e-3

// Config holds the transform network hyperparameters.
type Config struct {
	// StemFilters are the widths of the 9×9 stem conv and the two stride-2 convs.
	StemFilters [3]int
	// ResidualLayers is the number of residual blocks.
	ResidualLayers int
	// ResidualFilters is the width of every residual block. It must equal StemFilters[2].
	ResidualFilters int
	// DecoderFilters are the widths of the two upsampling stages.
	DecoderFilters [2]int
}

// DefaultConfig returns the standard architecture.
func DefaultConfig() Config {
	return Config{
		StemFilters:     [3]int{32, 64, 64},
		ResidualLayers:  5,
		ResidualFilters: 64,
		DecoderFilters:  [2]int{64, 32},
	}
}

// Validate checks that the widths line up.
func (c Config) Validate() error {
	for _, f := range c.StemFilters {
		if f <= 0 {
			return fmt.Errorf("net: stem filters must be positive, got %v", c.StemFilters)
		}
	}
	for _, f := range c.DecoderFilters {
		if f <= 0 {
			return fmt.Errorf("net: decoder filters must be positive, got %v", c.DecoderFilters)
		}
	}
	if c.ResidualLayers < 0 {
		return fmt.Errorf("net: residual layers must not be negative, got %d", c.ResidualLayers)
	}
	if c.ResidualLayers > 0 && c.ResidualFilters != c.StemFilters[2] {
		return fmt.Errorf("net: residual filters %d must match the last stem width %d",
			c.ResidualFilters, c.StemFilters[2])
	}
	return nil
}

// Arch is a fingerprint of the architecture. Checkpoints record it so weights
// are never restored into a differently shaped network.
func (c Config) Arch() string {
	return fmt.Sprintf("transform/v1 stem=%dx9,%dx3s2,%dx3s2 res=%dx%d dec=%d,%d head=3x9",
		c.StemFilters[0], c.StemFilters[1], c.StemFilters[2],
		c.ResidualLayers, c.ResidualFilters,
		c.DecoderFilters[0], c.DecoderFilters[1])
}

// TransformNet maps N×3×H×W images to N×3×H×W stylized images.
type TransformNet struct {
	*Network
	cfg Config
}

// NewTransformNet builds the network and initializes its parameters with
// init, seeded by seed.
func NewTransformNet(cfg Config, policy precision.Policy, init layer.Initializer, seed int64) (*TransformNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	relu := activations.ReLU{}
	convNorm := func(name string, in, out, k, stride int) []layer.Layer {
		return []layer.Layer{
			layer.NewConv2D(name+"/conv", in, out, k, stride, layer.ReflectFor(k), nil),
			layer.NewInstanceNorm2D(name+"/norm", out, NormEpsilon, relu),
		}
	}

	var layers []layer.Layer
	s := cfg.StemFilters
	layers = append(layers, convNorm("stem1", 3, s[0], 9, 1)...)
	layers = append(layers, convNorm("stem2", s[0], s[1], 3, 2)...)
	layers = append(layers, convNorm("stem3", s[1], s[2], 3, 2)...)
	for i := 0; i < cfg.ResidualLayers; i++ {
		layers = append(layers, layer.NewResidual(fmt.Sprintf("res%d", i+1), cfg.ResidualFilters, NormEpsilon, policy))
	}
	in := s[2]
	for i, f := range cfg.DecoderFilters {
		name := fmt.Sprintf("up%d", i+1)
		layers = append(layers, layer.NewUpsample2D(name+"/upsample", 2))
		layers = append(layers, convNorm(name, in, f, 3, 1)...)
		in = f
	}
	layers = append(layers, layer.NewConv2D("head/conv", in, 3, 9, 1, layer.ReflectFor(9), activations.Linear{}))

	rng := rand.New(rand.NewSource(seed))
	for _, l := range layers {
		if i, ok := l.(layer.Initializable); ok {
			i.Init(rng, init)
		}
	}
	return &TransformNet{Network: New(policy, layers...), cfg: cfg}, nil
}

// Config returns the architecture hyperparameters.
func (t *TransformNet) Config() Config {
	return t.cfg
}

// Arch returns the architecture fingerprint.
func (t *TransformNet) Arch() string {
	return t.cfg.Arch()
}

// CheckInput validates a per-sample C×H×W input shape.
func (t *TransformNet) CheckInput(c, h, w int) error {
	if c != 3 {
		return fmt.Errorf("net: got %d input channels, want 3: %w", c, layer.ErrShapeMismatch)
	}
	if h%4 != 0 || w%4 != 0 {
		return fmt.Errorf("net: input %dx%d is not divisible by 4: %w", h, w, layer.ErrShapeMismatch)
	}
	oc, oh, ow, err := t.Network.OutShape(c, h, w)
	if err != nil {
		return fmt.Errorf("net: input %dx%d: %w", h, w, err)
	}
	if oc != c || oh != h || ow != w {
		return fmt.Errorf("net: output %dx%dx%d differs from input %dx%dx%d: %w", oc, oh, ow, c, h, w, layer.ErrShapeMismatch)
	}
	return nil
}

// Forward validates the input shape before running any convolution.
func (t *TransformNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := t.CheckInput(x.C, x.H, x.W); err != nil {
		return nil, err
	}
	return t.Network.Forward(x), nil
}
