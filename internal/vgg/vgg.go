// Package vgg implements the frozen VGG16 feature extractor used as the
// perceptual loss network.
package vgg

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/FlavioCFOliveira/faststyle/internal/activations"
	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// ErrWeights is returned when extractor weights are missing or mis-shaped.
var ErrWeights = errors.New("vgg: bad weights")

// Point locates a conv layer inside the feature stack (both 1-based).
type Point struct {
	Block int
	Conv  int
}

func (p Point) String() string {
	return fmt.Sprintf("block%d_conv%d", p.Block, p.Conv)
}

// Depths maps the symbolic tap names to their extraction points, in tap order.
var Depths = newDepths()

func newDepths() *orderedmap.OrderedMap[string, Point] {
	m := orderedmap.New[string, Point]()
	m.Set("block1_conv2", Point{Block: 1, Conv: 2})
	m.Set("block2_conv2", Point{Block: 2, Conv: 2})
	m.Set("block3_conv3", Point{Block: 3, Conv: 3})
	m.Set("block4_conv3", Point{Block: 4, Conv: 3})
	return m
}

// TapNames returns the tap names in order.
func TapNames() []string {
	names := make([]string, 0, Depths.Len())
	for pair := Depths.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// ContentTap is the index of the tap used for the content loss.
const ContentTap = 2

// Config holds the conv widths of each block.
type Config struct {
	Blocks [][]int
}

// DefaultConfig returns the VGG16 widths up to block 4.
func DefaultConfig() Config {
	return Config{Blocks: [][]int{
		{64, 64},
		{128, 128},
		{256, 256, 256},
		{512, 512, 512},
	}}
}

// Validate checks that every tap exists and that the stack ends at the last tap.
func (c Config) Validate() error {
	var last Point
	for pair := Depths.Oldest(); pair != nil; pair = pair.Next() {
		p := pair.Value
		if p.Block < 1 || p.Block > len(c.Blocks) || p.Conv < 1 || p.Conv > len(c.Blocks[p.Block-1]) {
			return fmt.Errorf("%w: tap %s at %v is outside the configured stack", ErrWeights, pair.Key, p)
		}
		if pair.Key != p.String() {
			return fmt.Errorf("%w: tap %s points at %v", ErrWeights, pair.Key, p)
		}
		last = p
	}
	if last.Block != len(c.Blocks) || last.Conv != len(c.Blocks[last.Block-1]) {
		return fmt.Errorf("%w: stack extends past the last tap %v", ErrWeights, last)
	}
	return nil
}

// Extractor is the frozen VGG16 stack. Its state is never written after New,
// so Forward may be called from several goroutines.
type Extractor struct {
	cfg    Config
	stages []stage
	taps   []int // stage index of every tap
	policy precision.Policy
}

type stage struct {
	point Point
	conv  *layer.Conv2D
	// pool follows the conv when it closes a block other than the last.
	pool *layer.MaxPool2D
}

// New builds the extractor and loads its weights from src.
func New(cfg Config, src WeightSource, policy precision.Policy) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{cfg: cfg, policy: policy}
	in := 3
	for b, widths := range cfg.Blocks {
		for i, out := range widths {
			p := Point{Block: b + 1, Conv: i + 1}
			conv := layer.NewConv2D(p.String(), in, out, 3, 1, layer.SameFor(3), activations.ReLU{})
			if err := loadConv(conv, src, p); err != nil {
				return nil, err
			}
			conv.Freeze()
			conv.SetTraining(false)
			st := stage{point: p, conv: conv}
			if i == len(widths)-1 && b < len(cfg.Blocks)-1 {
				st.pool = layer.NewMaxPool2D(fmt.Sprintf("block%d_pool", b+1), 2, 2)
				st.pool.SetTraining(false)
			}
			e.stages = append(e.stages, st)
			in = out
		}
	}
	for pair := Depths.Oldest(); pair != nil; pair = pair.Next() {
		for i, st := range e.stages {
			if st.point == pair.Value {
				e.taps = append(e.taps, i)
			}
		}
	}
	return e, nil
}

func loadConv(conv *layer.Conv2D, src WeightSource, p Point) error {
	for _, param := range conv.Params() {
		kind := "weight"
		if param == conv.Bias() {
			kind = "bias"
		}
		shape, data, err := src.Lookup(p, kind)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrWeights, p, kind, err)
		}
		if !sameShape(shape, param.Shape) {
			return fmt.Errorf("%w: %s %s has shape %v, want %v", ErrWeights, p, kind, shape, param.Shape)
		}
		if err := param.SetValue(data); err != nil {
			return fmt.Errorf("%w: %v", ErrWeights, err)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config returns the extractor widths.
func (e *Extractor) Config() Config {
	return e.cfg
}

// TapChannels returns the channel count of every tap.
func (e *Extractor) TapChannels() []int {
	out := make([]int, len(e.taps))
	for i, s := range e.taps {
		out[i] = e.stages[s].conv.OutSize()
	}
	return out
}

// Activations is the trace of one extractor pass.
type Activations struct {
	// Taps holds the post-ReLU outputs at every tap, in tap order.
	Taps []*tensor.Tensor

	convs []*layer.ConvTrace
	pools []*layer.PoolTrace
}

// Forward runs x (already preprocessed) through the stack.
func (e *Extractor) Forward(x *tensor.Tensor) (*Activations, error) {
	if x.C != 3 {
		return nil, fmt.Errorf("vgg: got %d input channels, want 3: %w", x.C, layer.ErrShapeMismatch)
	}
	c, h, w := x.C, x.H, x.W
	for _, st := range e.stages {
		var err error
		if c, h, w, err = st.conv.OutShape(c, h, w); err != nil {
			return nil, fmt.Errorf("vgg: %w", err)
		}
		if st.pool != nil {
			if c, h, w, err = st.pool.OutShape(c, h, w); err != nil {
				return nil, fmt.Errorf("vgg: %w", err)
			}
		}
	}

	acts := &Activations{
		convs: make([]*layer.ConvTrace, len(e.stages)),
		pools: make([]*layer.PoolTrace, len(e.stages)),
	}
	outs := make([]*tensor.Tensor, len(e.stages))
	curr := x
	if e.policy.Mixed() {
		curr = e.policy.RoundTensor(x.Clone())
	}
	for i, st := range e.stages {
		curr, acts.convs[i] = st.conv.Run(curr)
		e.policy.RoundTensor(curr)
		outs[i] = curr
		if st.pool != nil {
			curr, acts.pools[i] = st.pool.Run(curr)
		}
	}
	for _, s := range e.taps {
		acts.Taps = append(acts.Taps, outs[s])
	}
	return acts, nil
}

// Backward returns the gradient w.r.t. the extractor input given the
// gradients at every tap. Nil tap gradients are treated as zero.
func (e *Extractor) Backward(acts *Activations, tapGrads []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(tapGrads) != len(e.taps) {
		return nil, fmt.Errorf("vgg: got %d tap gradients, want %d", len(tapGrads), len(e.taps))
	}
	byStage := make(map[int]*tensor.Tensor, len(e.taps))
	deepest := -1
	for i, s := range e.taps {
		g := tapGrads[i]
		if g == nil {
			continue
		}
		if !g.SameShape(acts.Taps[i]) {
			return nil, fmt.Errorf("vgg: tap %d gradient %v does not match %v: %w", i, g, acts.Taps[i], layer.ErrShapeMismatch)
		}
		byStage[s] = g
		deepest = max(deepest, s)
	}

	var grad *tensor.Tensor
	for i := deepest; i >= 0; i-- {
		st := e.stages[i]
		if grad != nil && st.pool != nil {
			grad = st.pool.Grad(acts.pools[i], grad)
		}
		if g, ok := byStage[i]; ok {
			if grad == nil {
				grad = g.Clone()
			} else {
				grad.Add(g)
			}
		}
		if grad == nil {
			continue
		}
		grad = e.policy.RoundTensor(st.conv.Grad(acts.convs[i], grad, false))
	}
	if grad == nil {
		return nil, fmt.Errorf("vgg: no tap gradients")
	}
	return grad, nil
}
