package vgg

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func tinyConfig() Config {
	return Config{Blocks: [][]int{{2, 2}, {3, 3}, {4, 4, 4}, {5, 5, 5}}}
}

// positiveSource keeps every pre-activation positive, so the stack is linear
// apart from max pooling.
func positiveSource(cfg Config, seed int64) MapSource {
	rng := rand.New(rand.NewSource(seed))
	m := RandomSource(cfg, seed)
	for k, w := range m {
		if len(w.Shape) != 4 {
			continue
		}
		fanIn := float64(w.Shape[1] * 9)
		for i := range w.Data {
			w.Data[i] = float32(rng.Float64() * 2 / fanIn)
		}
		m[k] = w
	}
	return m
}

func randInput(rng *rand.Rand, n, h, w int) *tensor.Tensor {
	x := tensor.New(n, 3, h, w)
	for i := range x.Data {
		x.Data[i] = float32(rng.Float64())
	}
	return x
}

func TestTapNames(t *testing.T) {
	want := []string{"block1_conv2", "block2_conv2", "block3_conv3", "block4_conv3"}
	if diff := cmp.Diff(want, TapNames()); diff != "" {
		t.Errorf("TapNames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "block3_conv3", TapNames()[ContentTap])
}

func TestStateDictKey(t *testing.T) {
	cfg := DefaultConfig()
	var got []string
	for b, widths := range cfg.Blocks {
		for i := range widths {
			got = append(got, StateDictKey(cfg, Point{Block: b + 1, Conv: i + 1}, "weight"))
		}
	}
	want := []string{
		"features.0.weight", "features.2.weight",
		"features.5.weight", "features.7.weight",
		"features.10.weight", "features.12.weight", "features.14.weight",
		"features.17.weight", "features.19.weight", "features.21.weight",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	short := Config{Blocks: [][]int{{64, 64}, {128, 128}, {256, 256, 256}}}
	assert.True(t, errors.Is(short.Validate(), ErrWeights))

	long := DefaultConfig()
	long.Blocks[3] = append(long.Blocks[3], 512)
	assert.True(t, errors.Is(long.Validate(), ErrWeights))
}

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := tinyConfig()

	missing := RandomSource(cfg, 1)
	delete(missing, Key(Point{Block: 3, Conv: 2}, "bias"))
	_, err := New(cfg, missing, precision.FullFloat32)
	assert.True(t, errors.Is(err, ErrWeights), "missing tensor: %v", err)

	wrong := RandomSource(cfg, 1)
	k := Key(Point{Block: 1, Conv: 1}, "weight")
	wrong[k] = Weight{Shape: []int{2, 3, 5, 5}, Data: make([]float32, 150)}
	_, err = New(cfg, wrong, precision.FullFloat32)
	assert.True(t, errors.Is(err, ErrWeights), "wrong shape: %v", err)
}

func TestForwardTapShapes(t *testing.T) {
	cfg := tinyConfig()
	e, err := New(cfg, RandomSource(cfg, 1), precision.FullFloat32)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 5}, e.TapChannels())

	acts, err := e.Forward(randInput(rand.New(rand.NewSource(1)), 2, 16, 24))
	require.NoError(t, err)
	require.Len(t, acts.Taps, 4)

	want := [][4]int{{2, 2, 16, 24}, {2, 3, 8, 12}, {2, 4, 4, 6}, {2, 5, 2, 3}}
	for i, tap := range acts.Taps {
		assert.Equal(t, want[i][:], tap.Shape(), "tap %d", i)
		for _, v := range tap.Data {
			require.GreaterOrEqual(t, v, float32(0), "taps are post-ReLU")
		}
	}

	_, err = e.Forward(randInput(rand.New(rand.NewSource(1)), 1, 4, 4))
	assert.Error(t, err, "4x4 cannot be pooled three times")
}

func TestForwardIsConcurrencySafe(t *testing.T) {
	cfg := tinyConfig()
	e, err := New(cfg, RandomSource(cfg, 2), precision.FullFloat32)
	require.NoError(t, err)
	x := randInput(rand.New(rand.NewSource(3)), 1, 16, 16)
	ref, err := e.Forward(x)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Activations, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.Forward(x)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.NotNil(t, r)
		for j := range ref.Taps {
			assert.Equal(t, ref.Taps[j].Data, r.Taps[j].Data)
		}
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := tinyConfig()
	e, err := New(cfg, positiveSource(cfg, 4), precision.FullFloat32)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	x := randInput(rng, 1, 16, 16)
	acts, err := e.Forward(x)
	require.NoError(t, err)

	grads := make([]*tensor.Tensor, len(acts.Taps))
	for i, tap := range acts.Taps {
		g := tensor.Like(tap)
		for j := range g.Data {
			g.Data[j] = float32(rng.NormFloat64())
		}
		grads[i] = g
	}
	dx, err := e.Backward(acts, grads)
	require.NoError(t, err)
	require.True(t, dx.SameShape(x))

	loss := func() float64 {
		a, err := e.Forward(x)
		require.NoError(t, err)
		var s float64
		for i, tap := range a.Taps {
			for j, v := range tap.Data {
				s += float64(v) * float64(grads[i].Data[j])
			}
		}
		return s
	}
	const eps = 1e-2
	for _, idx := range []int{17, 300, 700} {
		orig := x.Data[idx]
		x.Data[idx] = orig + eps
		up := loss()
		x.Data[idx] = orig - eps
		down := loss()
		x.Data[idx] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, float64(dx.Data[idx]), 0.1*math.Max(1, math.Abs(numeric)), "dx[%d]", idx)
	}
}

func TestBackwardSkipsNilTaps(t *testing.T) {
	cfg := tinyConfig()
	e, err := New(cfg, RandomSource(cfg, 6), precision.FullFloat32)
	require.NoError(t, err)
	acts, err := e.Forward(randInput(rand.New(rand.NewSource(7)), 1, 8, 8))
	require.NoError(t, err)

	g := tensor.Like(acts.Taps[0])
	g.Fill(1)
	dx, err := e.Backward(acts, []*tensor.Tensor{g, nil, nil, nil})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 8, 8}, dx.Shape())

	_, err = e.Backward(acts, make([]*tensor.Tensor, 4))
	assert.Error(t, err)
}
