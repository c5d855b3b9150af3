package opt

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
)

func TestLossScaleOverflowDiscardsUpdate(t *testing.T) {
	o := NewLossScaleOptimizer(NewAdam(0.1))
	a := newTestParam("a", []float32{1, 2}, []float32{1, 2})
	b := newTestParam("b", []float32{3}, []float32{float32(math.Inf(1))})

	applied, err := o.Apply([]*layer.Param{a, b})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []float32{1, 2}, a.Value, "finite params must not move either")
	assert.Equal(t, []float32{3}, b.Value)
	assert.Equal(t, float32(DefaultInitialScale/2), o.Scale())
	assert.Zero(t, o.Inner.(*Adam).Iterations())
}

func TestLossScaleNaNDiscardsUpdate(t *testing.T) {
	o := NewLossScaleOptimizer(NewAdam(0.1))
	a := newTestParam("a", []float32{1}, []float32{float32(math.NaN())})
	applied, err := o.Apply([]*layer.Param{a})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, float32(1), a.Value[0])
}

func TestLossScaleUnscalesGradients(t *testing.T) {
	o := NewLossScaleOptimizer(NewAdam(0.1))
	o.LossScale.Scale = 4
	a := newTestParam("a", []float32{1}, []float32{8})

	applied, err := o.Apply([]*layer.Param{a})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, float32(2), a.Grad[0])
	assert.InDelta(t, 0.9, a.Value[0], 1e-5)
	assert.Equal(t, int64(1), o.LossScale.GoodSteps)
}

func TestLossScaleGrowsAfterInterval(t *testing.T) {
	o := NewLossScaleOptimizer(NewAdam(0.001))
	o.LossScale.GrowthInterval = 3
	o.LossScale.Scale = 8
	a := newTestParam("a", []float32{1}, nil)

	for i := 0; i < 3; i++ {
		a.Grad = []float32{1}
		applied, err := o.Apply([]*layer.Param{a})
		require.NoError(t, err)
		require.True(t, applied)
	}
	assert.Equal(t, float32(16), o.Scale())
	assert.Zero(t, o.LossScale.GoodSteps)

	// An overflow resets the streak.
	a.Grad = []float32{float32(math.Inf(-1))}
	_, err := o.Apply([]*layer.Param{a})
	require.NoError(t, err)
	assert.Equal(t, float32(8), o.Scale())
	assert.Zero(t, o.LossScale.GoodSteps)
}

func TestLossScaleCollapseIsFatal(t *testing.T) {
	o := NewLossScaleOptimizer(NewAdam(0.001))
	o.LossScale.Scale = 2
	a := newTestParam("a", []float32{1}, nil)

	a.Grad = []float32{float32(math.Inf(1))}
	_, err := o.Apply([]*layer.Param{a})
	require.NoError(t, err)
	assert.Equal(t, float32(1), o.Scale())

	a.Grad = []float32{float32(math.Inf(1))}
	_, err = o.Apply([]*layer.Param{a})
	assert.True(t, errors.Is(err, ErrLossScaleCollapsed), "got %v", err)
}

func TestLossScaleState(t *testing.T) {
	d := NewDynamicLossScale()
	d.SetState(LossScaleState{Scale: 512, GoodSteps: 17})
	assert.Equal(t, LossScaleState{Scale: 512, GoodSteps: 17}, d.State())
}
