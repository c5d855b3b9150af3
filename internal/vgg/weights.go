package vgg

import (
	"fmt"
	"math/rand"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
)

// WeightSource supplies the kernel ("weight", shape [out, in, 3, 3]) and
// "bias" (shape [out]) of every conv in the stack.
type WeightSource interface {
	Lookup(p Point, kind string) (shape []int, data []float32, err error)
}

// Weight is one named tensor.
type Weight struct {
	Shape []int
	Data  []float32
}

// MapSource serves weights keyed by "<point>.<kind>", e.g. "block1_conv2.weight".
type MapSource map[string]Weight

// Key returns the MapSource key of a conv parameter.
func Key(p Point, kind string) string {
	return p.String() + "." + kind
}

// Lookup implements WeightSource.
func (m MapSource) Lookup(p Point, kind string) ([]int, []float32, error) {
	key := Key(p, kind)
	w, ok := m[key]
	if !ok {
		return nil, nil, fmt.Errorf("missing tensor %s", key)
	}
	return w.Shape, w.Data, nil
}

// StateDictKey returns the torchvision key of a conv parameter. Every conv is
// followed by a ReLU and every block by a pool, each taking an index.
func StateDictKey(cfg Config, p Point, kind string) string {
	idx := 0
	for b := 1; b < p.Block; b++ {
		idx += 2*len(cfg.Blocks[b-1]) + 1
	}
	idx += 2 * (p.Conv - 1)
	return fmt.Sprintf("features.%d.%s", idx, kind)
}

// RandomSource returns He-initialized weights for cfg. It is used by tests
// and by smoke runs that have no pretrained file.
func RandomSource(cfg Config, seed int64) MapSource {
	rng := rand.New(rand.NewSource(seed))
	m := make(MapSource)
	in := 3
	for b, widths := range cfg.Blocks {
		for i, out := range widths {
			p := Point{Block: b + 1, Conv: i + 1}
			w := make([]float32, out*in*9)
			layer.HeUniform(rng, w, in*9, out*9)
			m[Key(p, "weight")] = Weight{Shape: []int{out, in, 3, 3}, Data: w}
			m[Key(p, "bias")] = Weight{Shape: []int{out}, Data: make([]float32, out)}
			in = out
		}
	}
	return m
}

// TorchFile loads a torchvision vgg16 state dict saved with torch.save.
// Only the conv tensors of the feature stack are kept.
func TorchFile(path string) (MapSource, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrWeights, path, err)
	}
	dict, ok := obj.(interface {
		Get(key interface{}) (interface{}, bool)
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %T, not a state dict", ErrWeights, path, obj)
	}

	cfg := DefaultConfig()
	m := make(MapSource)
	for b, widths := range cfg.Blocks {
		for i := range widths {
			p := Point{Block: b + 1, Conv: i + 1}
			for _, kind := range []string{"weight", "bias"} {
				key := StateDictKey(cfg, p, kind)
				v, ok := dict.Get(key)
				if !ok {
					return nil, fmt.Errorf("%w: %s: missing %s", ErrWeights, path, key)
				}
				t, ok := v.(*pytorch.Tensor)
				if !ok {
					return nil, fmt.Errorf("%w: %s: %s is %T", ErrWeights, path, key, v)
				}
				w, err := denseFloats(t)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %s: %v", ErrWeights, path, key, err)
				}
				m[Key(p, kind)] = w
			}
		}
	}
	return m, nil
}

// denseFloats copies a possibly strided float tensor into row-major order.
func denseFloats(t *pytorch.Tensor) (Weight, error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return Weight{}, fmt.Errorf("unsupported storage %T", t.Source)
	}
	size := 1
	for _, d := range t.Size {
		size *= d
	}
	out := make([]float32, size)
	idx := make([]int, len(t.Size))
	for i := range out {
		off := t.StorageOffset
		for d, v := range idx {
			off += v * t.Stride[d]
		}
		if off >= len(storage.Data) {
			return Weight{}, fmt.Errorf("offset %d outside storage of %d", off, len(storage.Data))
		}
		out[i] = storage.Data[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return Weight{Shape: append([]int(nil), t.Size...), Data: out}, nil
}
