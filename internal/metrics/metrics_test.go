package metrics

import (
	"math"
	"testing"
	"time"
)

func TestMean(t *testing.T) {
	var m Mean
	if m.Result() != 0 {
		t.Fatalf("empty mean should be 0, got %v", m.Result())
	}
	for _, v := range []float32{1, 2, 3, 6} {
		m.Add(v)
	}
	if m.Result() != 3 || m.Count() != 4 {
		t.Fatalf("expected mean 3 over 4 values, got %v over %d", m.Result(), m.Count())
	}
	m.Reset()
	if m.Result() != 0 || m.Count() != 0 {
		t.Fatalf("mean was not reset")
	}
}

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(4, 20*time.Millisecond, 10*time.Millisecond, true)
	w.Record(4, 10*time.Millisecond, 20*time.Millisecond, false)
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-133.3333) > 0.01 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if math.Abs(snap.AvgDataMS-15) > 1e-9 || math.Abs(snap.AvgComputeMS-15) > 1e-9 {
		t.Fatalf("unexpected timings %.2f / %.2f", snap.AvgDataMS, snap.AvgComputeMS)
	}
	if snap.Steps != 2 || snap.Discarded != 1 {
		t.Fatalf("expected 2 steps with 1 discarded, got %d/%d", snap.Steps, snap.Discarded)
	}
	if w.samples != 0 || w.steps != 0 || w.discarded != 0 {
		t.Fatalf("window was not reset")
	}
}

func TestEmptyWindowSnapshot(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	if snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
