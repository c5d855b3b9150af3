// Package train runs the style transfer training loop: restore, step,
// checkpoint, repeat until the batch stream ends.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FlavioCFOliveira/faststyle/internal/checkpoint"
	"github.com/FlavioCFOliveira/faststyle/internal/loss"
	"github.com/FlavioCFOliveira/faststyle/internal/metrics"
	"github.com/FlavioCFOliveira/faststyle/internal/net"
	"github.com/FlavioCFOliveira/faststyle/internal/opt"
	"github.com/FlavioCFOliveira/faststyle/internal/summary"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
	"github.com/FlavioCFOliveira/faststyle/internal/vgg"
)

// ErrDatasetExhausted is returned by Run when the batch source ends.
var ErrDatasetExhausted = errors.New("train: dataset exhausted")

// Summary tags.
const (
	TagTotalLoss   = "total loss"
	TagContentLoss = "content loss"
	TagStyleLoss   = "style loss"
	TagImage       = "generated image"

	// MaxImages is the number of test images logged per checkpoint.
	MaxImages = 3
)

// Source yields training batches. Any error ends the run.
type Source interface {
	Next(ctx context.Context) (*tensor.Tensor, error)
}

// Options wires a Trainer.
type Options struct {
	Net       *net.TransformNet
	Extractor *vgg.Extractor
	// Preprocess is the normalization the extractor weights expect.
	Preprocess vgg.Mode
	// Style is the 1×3×H×W style image in the 0-255 range.
	Style *tensor.Tensor

	ContentWeight float32
	StyleWeight   float32
	LearningRate  float64

	Checkpoints        *checkpoint.Manager
	CheckpointInterval int64

	// Sink receives summaries. Nil discards them.
	Sink summary.Sink
	// TestBatch is stylized at every checkpoint. Nil skips the images.
	TestBatch *tensor.Tensor
	RunID     string
}

// Trainer owns the transform network parameters and optimizer state.
type Trainer struct {
	opts      Options
	net       *net.TransformNet
	ext       *vgg.Extractor
	loss      *loss.Perceptual
	adam      *opt.Adam
	optimizer *opt.LossScaleOptimizer
	sink      summary.Sink

	state State
	step  int64

	total, content, style metrics.Mean
	window                metrics.Window
	start                 time.Time
}

// New computes the style target and prepares the optimizer. The network
// keeps its current weights until Restore.
func New(o Options) (*Trainer, error) {
	if o.Net == nil || o.Extractor == nil || o.Style == nil || o.Checkpoints == nil {
		return nil, errors.New("train: network, extractor, style image and checkpoint manager are required")
	}
	if o.CheckpointInterval <= 0 {
		return nil, fmt.Errorf("train: checkpoint interval must be > 0 (got %d)", o.CheckpointInterval)
	}
	if o.Style.N != 1 {
		return nil, fmt.Errorf("train: style batch has %d images, want 1", o.Style.N)
	}
	if o.TestBatch != nil {
		if err := o.Net.CheckInput(o.TestBatch.C, o.TestBatch.H, o.TestBatch.W); err != nil {
			return nil, fmt.Errorf("train: test batch: %w", err)
		}
	}

	acts, err := o.Extractor.Forward(vgg.Preprocess(o.Preprocess, o.Style))
	if err != nil {
		return nil, fmt.Errorf("train: style features: %w", err)
	}
	target, err := loss.NewStyleTarget(acts.Taps)
	if err != nil {
		return nil, err
	}

	sink := o.Sink
	if sink == nil {
		sink = summary.Discard{}
	}
	adam := opt.NewAdam(o.LearningRate)
	return &Trainer{
		opts: o,
		net:  o.Net,
		ext:  o.Extractor,
		loss: &loss.Perceptual{
			ContentWeight: o.ContentWeight,
			StyleWeight:   o.StyleWeight,
			ContentLayer:  vgg.ContentTap,
			Target:        target,
		},
		adam:      adam,
		optimizer: opt.NewLossScaleOptimizer(adam),
		sink:      sink,
	}, nil
}

// State returns the current lifecycle phase.
func (t *Trainer) State() State {
	return t.state
}

// Step returns the number of batches processed.
func (t *Trainer) Step() int64 {
	return t.step
}

// LossScale returns the current dynamic loss scale.
func (t *Trainer) LossScale() float32 {
	return t.optimizer.Scale()
}

// Means returns the running average losses since the last checkpoint.
func (t *Trainer) Means() loss.Losses {
	return loss.Losses{
		Total:   float32(t.total.Result()),
		Content: float32(t.content.Result()),
		Style:   float32(t.style.Result()),
	}
}

// Restore loads the latest checkpoint, or keeps the fresh initialization
// when there is none.
func (t *Trainer) Restore() error {
	t.state = Restoring
	st, path, err := t.opts.Checkpoints.RestoreLatest()
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		slog.Info("Initializing from scratch.")
		t.state = Running
		return nil
	case err != nil:
		return fmt.Errorf("train: restore: %w", err)
	}

	if err := st.CheckArch(t.net.Arch()); err != nil {
		return fmt.Errorf("train: restore %s: %w", path, err)
	}
	if err := t.net.LoadWeights(st.Params); err != nil {
		return fmt.Errorf("train: restore %s: %w", path, err)
	}
	t.adam.SetState(st.Adam)
	t.optimizer.LossScale.SetState(st.LossScale)
	t.step = st.Step
	slog.Info("Restored from "+path, "step", st.Step, "loss_scale", st.LossScale.Scale, "run_id", st.RunID)
	t.state = Running
	return nil
}

// TrainStep runs one optimization step on a batch of content images in the
// 0-255 range. It reports whether the update was applied; a discarded
// update still advances the step counter.
func (t *Trainer) TrainStep(batch *tensor.Tensor) (loss.Losses, bool, error) {
	mode := t.opts.Preprocess
	t.net.ZeroGrad()

	var contentActs *vgg.Activations
	var out *tensor.Tensor
	var g errgroup.Group
	g.Go(func() error {
		acts, err := t.ext.Forward(vgg.Preprocess(mode, batch))
		contentActs = acts
		return err
	})
	g.Go(func() error {
		o, err := t.net.Forward(batch)
		out = o
		return err
	})
	if err := g.Wait(); err != nil {
		return loss.Losses{}, false, fmt.Errorf("train: forward: %w", err)
	}

	outActs, err := t.ext.Forward(vgg.Preprocess(mode, out))
	if err != nil {
		return loss.Losses{}, false, fmt.Errorf("train: stylized features: %w", err)
	}
	losses, tapGrads, err := t.loss.Compute(outActs.Taps, contentActs.Taps, t.optimizer.Scale())
	if err != nil {
		return loss.Losses{}, false, fmt.Errorf("train: %w", err)
	}
	gIn, err := t.ext.Backward(outActs, tapGrads)
	if err != nil {
		return loss.Losses{}, false, fmt.Errorf("train: %w", err)
	}
	t.net.Backward(vgg.PreprocessBackward(mode, gIn))

	applied, err := t.optimizer.Apply(t.net.Params())
	t.step++
	if err != nil {
		return losses, false, fmt.Errorf("train: step %d: %w", t.step, err)
	}
	if !applied {
		slog.Debug("non-finite gradients, update skipped", "step", t.step, "loss_scale", t.optimizer.Scale())
	}

	if finite(losses.Total) && finite(losses.Content) && finite(losses.Style) {
		t.total.Add(losses.Total)
		t.content.Add(losses.Content)
		t.style.Add(losses.Style)
	}
	return losses, applied, nil
}

// Stylize runs the network in inference mode.
func (t *Trainer) Stylize(x *tensor.Tensor) (*tensor.Tensor, error) {
	t.net.SetTraining(false)
	defer t.net.SetTraining(true)
	return t.net.Forward(x)
}

// Checkpoint saves the current state, then logs summaries and the test
// batch. Only the save can fail; telemetry errors are logged.
func (t *Trainer) Checkpoint() error {
	t.state = Checkpointing
	started := time.Now()

	path, err := t.opts.Checkpoints.Save(&checkpoint.State{
		Step:      t.step,
		Arch:      t.net.Arch(),
		RunID:     t.opts.RunID,
		Params:    t.net.Weights(),
		Adam:      t.adam.State(),
		LossScale: t.optimizer.LossScale.State(),
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("train: checkpoint step %d: %w", t.step, err)
	}

	means := t.Means()
	for _, s := range []struct {
		tag   string
		value float32
	}{
		{TagTotalLoss, means.Total},
		{TagContentLoss, means.Content},
		{TagStyleLoss, means.Style},
	} {
		if err := t.sink.Scalar(s.tag, t.step, float64(s.value)); err != nil {
			slog.Warn("summary write failed", "tag", s.tag, "step", t.step, "error", err)
		}
	}

	if t.opts.TestBatch != nil {
		pred, err := t.Stylize(t.opts.TestBatch)
		if err != nil {
			slog.Warn("test batch inference failed", "step", t.step, "error", err)
		} else if err := t.sink.Images(TagImage, t.step, summary.Grid(pred), MaxImages); err != nil {
			slog.Warn("summary write failed", "tag", TagImage, "step", t.step, "error", err)
		}
	}

	snap := t.window.Snapshot()
	slog.Info(fmt.Sprintf("Step %d Loss: %.4f", t.step, means.Total),
		"content", fmt.Sprintf("%.4f", means.Content),
		"style", fmt.Sprintf("%.4f", means.Style),
		"loss_scale", t.optimizer.Scale(),
		"checkpoint", path)
	slog.Info("throughput",
		"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
		"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
		"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
		"discarded", snap.Discarded,
		"total_time", time.Since(t.start).Round(time.Millisecond),
		"checkpoint_time", time.Since(started).Round(time.Millisecond))

	t.total.Reset()
	t.content.Reset()
	t.style.Reset()
	t.state = Running
	return nil
}

// Run restores if needed and trains until src fails or ctx is cancelled.
// A source error other than cancellation ends in TerminatedByExhaustion and
// an error wrapping ErrDatasetExhausted.
func (t *Trainer) Run(ctx context.Context, src Source) error {
	if t.state == Uninitialized {
		if err := t.Restore(); err != nil {
			return err
		}
	}
	t.start = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		dataStart := time.Now()
		batch, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.state = TerminatedByExhaustion
			return fmt.Errorf("%w at step %d: %w", ErrDatasetExhausted, t.step, err)
		}
		dataTime := time.Since(dataStart)

		computeStart := time.Now()
		_, applied, err := t.TrainStep(batch)
		if err != nil {
			return err
		}
		t.window.Record(batch.N, dataTime, time.Since(computeStart), applied)

		if t.step%t.opts.CheckpointInterval == 0 {
			if err := t.Checkpoint(); err != nil {
				return err
			}
		}
	}
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
