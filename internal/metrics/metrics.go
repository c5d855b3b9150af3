// Package metrics accumulates loss averages and step timings between
// checkpoints.
package metrics

import "time"

// Mean is a running average of the values added since the last Reset.
type Mean struct {
	sum   float64
	count int64
}

// Add folds v into the average.
func (m *Mean) Add(v float32) {
	m.sum += float64(v)
	m.count++
}

// Result returns the current average, or 0 before the first Add.
func (m *Mean) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of values added.
func (m *Mean) Count() int64 {
	return m.count
}

// Reset clears the average.
func (m *Mean) Reset() {
	m.sum = 0
	m.count = 0
}

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples   int
	data      time.Duration
	compute   time.Duration
	steps     int
	discarded int
}

// Record adds one step to the window. applied is false when the update was
// dropped for non-finite gradients.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, applied bool) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	if !applied {
		w.discarded++
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, Discarded: w.discarded}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Steps        int
	Discarded    int
}
