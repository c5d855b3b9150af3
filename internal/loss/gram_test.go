package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func randFeatures(rng *rand.Rand, n, c, h, w int) *tensor.Tensor {
	f := tensor.New(n, c, h, w)
	for i := range f.Data {
		f.Data[i] = float32(rng.NormFloat64())
	}
	return f
}

func TestGramByHand(t *testing.T) {
	// Two channels over two pixels: F = [[1, 2], [3, 4]]
	f := tensor.FromData(1, 2, 1, 2, []float32{1, 2, 3, 4})
	g := Gram(f)

	// F·Fᵀ = [[5, 11], [11, 25]], divided by H·W·C = 4
	expected := []float32{1.25, 2.75, 2.75, 6.25}
	for i, v := range expected {
		assert.InDelta(t, v, g.Data[i], 1e-6, "G[%d]", i)
	}
}

func TestGramSymmetricPSD(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	f := randFeatures(rng, 3, 5, 4, 6)
	g := Gram(f)
	require.Equal(t, []int{3, 1, 5, 5}, g.Shape())

	for n := 0; n < 3; n++ {
		G := g.Data[n*25 : (n+1)*25]
		for i := 0; i < 5; i++ {
			assert.GreaterOrEqual(t, G[i*5+i], float32(0))
			for j := 0; j < 5; j++ {
				assert.Equal(t, G[i*5+j], G[j*5+i], "G[%d][%d]", i, j)
			}
		}
		// vᵀGv >= 0 for a random v
		v := make([]float64, 5)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		var q float64
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				q += v[i] * float64(G[i*5+j]) * v[j]
			}
		}
		assert.GreaterOrEqual(t, q, -1e-5)
	}
}

func TestGramBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	f := randFeatures(rng, 2, 3, 2, 3)
	r := randFeatures(rng, 2, 1, 3, 3)

	loss := func() float64 {
		var s float64
		for i, v := range Gram(f).Data {
			s += float64(v) * float64(r.Data[i])
		}
		return s
	}
	df := GramBackward(f, r)

	const eps = 1e-2
	for idx := range f.Data {
		orig := f.Data[idx]
		f.Data[idx] = orig + eps
		up := loss()
		f.Data[idx] = orig - eps
		down := loss()
		f.Data[idx] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, float64(df.Data[idx]), 1e-3*math.Max(1, math.Abs(numeric)), "df[%d]", idx)
	}
}
