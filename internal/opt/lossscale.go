package opt

import (
	"errors"
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// ErrLossScaleCollapsed is returned when repeated overflows push the loss
// scale below its floor.
var ErrLossScaleCollapsed = errors.New("opt: loss scale collapsed")

const (
	DefaultInitialScale   = 1 << 15
	DefaultGrowthInterval = 2000
	DefaultMinScale       = 1
)

// DynamicLossScale doubles after GrowthInterval consecutive finite steps and
// halves on every overflow.
type DynamicLossScale struct {
	Scale          float32
	GrowthInterval int64
	MinScale       float32
	GoodSteps      int64
}

// LossScaleState is the persistent part of DynamicLossScale.
type LossScaleState struct {
	Scale     float32
	GoodSteps int64
}

// NewDynamicLossScale returns a scale with the standard schedule.
func NewDynamicLossScale() *DynamicLossScale {
	return &DynamicLossScale{
		Scale:          DefaultInitialScale,
		GrowthInterval: DefaultGrowthInterval,
		MinScale:       DefaultMinScale,
	}
}

// State returns the persistent state.
func (d *DynamicLossScale) State() LossScaleState {
	return LossScaleState{Scale: d.Scale, GoodSteps: d.GoodSteps}
}

// SetState restores a persisted state.
func (d *DynamicLossScale) SetState(s LossScaleState) {
	d.Scale, d.GoodSteps = s.Scale, s.GoodSteps
}

// update records the outcome of one step.
func (d *DynamicLossScale) update(finite bool) error {
	if !finite {
		d.GoodSteps = 0
		next := d.Scale / 2
		if next < d.MinScale {
			return fmt.Errorf("%w: scale %g would drop below %g", ErrLossScaleCollapsed, next, d.MinScale)
		}
		d.Scale = next
		return nil
	}
	d.GoodSteps++
	if d.GoodSteps >= d.GrowthInterval {
		d.GoodSteps = 0
		if next := d.Scale * 2; !math.IsInf(float64(next), 0) {
			d.Scale = next
		}
	}
	return nil
}

// LossScaleOptimizer wraps an optimizer for mixed precision training. The
// caller backpropagates Scale() times the loss; Apply unscales the gradients
// and either updates every parameter or none.
type LossScaleOptimizer struct {
	Inner     Optimizer
	LossScale *DynamicLossScale
}

// NewLossScaleOptimizer wraps inner with a default dynamic loss scale.
func NewLossScaleOptimizer(inner Optimizer) *LossScaleOptimizer {
	return &LossScaleOptimizer{Inner: inner, LossScale: NewDynamicLossScale()}
}

// Scale returns the current loss scale.
func (o *LossScaleOptimizer) Scale() float32 {
	return o.LossScale.Scale
}

// Apply unscales every gradient and checks them all before touching any
// parameter. Non-finite gradients discard the update and halve the scale.
// It reports whether the update was applied.
func (o *LossScaleOptimizer) Apply(params []*layer.Param) (bool, error) {
	inv := 1 / o.LossScale.Scale
	finite := true
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
		if finite && !tensor.AllFinite(p.Grad) {
			finite = false
		}
	}
	if !finite {
		return false, o.LossScale.update(false)
	}
	if err := o.Inner.Step(params); err != nil {
		return false, err
	}
	return true, o.LossScale.update(true)
}

// Step implements Optimizer, dropping the applied flag.
func (o *LossScaleOptimizer) Step(params []*layer.Param) error {
	_, err := o.Apply(params)
	return err
}
