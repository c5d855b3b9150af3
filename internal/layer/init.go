package layer

import (
	"fmt"
	"math"
	"math/rand"
)

// Initializer fills p given the fan-in and fan-out of the owning layer.
type Initializer func(rng *rand.Rand, p []float32, fanIn, fanOut int)

// GlorotUniform samples U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform(rng *rand.Rand, p []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	uniform(rng, p, limit)
}

// HeUniform samples U(-l, l) with l = sqrt(6 / fanIn), better for ReLU stacks.
func HeUniform(rng *rand.Rand, p []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn))
	uniform(rng, p, limit)
}

// Zeros sets every value to 0.
func Zeros(rng *rand.Rand, p []float32, fanIn, fanOut int) {
	for i := range p {
		p[i] = 0
	}
}

// Ones sets every value to 1.
func Ones(rng *rand.Rand, p []float32, fanIn, fanOut int) {
	for i := range p {
		p[i] = 1
	}
}

func uniform(rng *rand.Rand, p []float32, limit float64) {
	for i := range p {
		p[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// InitializerByName resolves the initializer names accepted in configuration.
func InitializerByName(name string) (Initializer, error) {
	switch name {
	case "glorot_uniform", "":
		return GlorotUniform, nil
	case "he_uniform":
		return HeUniform, nil
	case "zeros":
		return Zeros, nil
	case "ones":
		return Ones, nil
	}
	return nil, fmt.Errorf("layer: unknown initializer %q", name)
}
