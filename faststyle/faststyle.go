package faststyle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/FlavioCFOliveira/faststyle/internal/checkpoint"
	"github.com/FlavioCFOliveira/faststyle/internal/config"
	"github.com/FlavioCFOliveira/faststyle/internal/imageio"
	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/net"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
	"github.com/FlavioCFOliveira/faststyle/internal/summary"
	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
	"github.com/FlavioCFOliveira/faststyle/internal/train"
	"github.com/FlavioCFOliveira/faststyle/internal/vgg"
)

// Re-export common types for easier access
type (
	Config       = config.Config
	Overrides    = config.Overrides
	Tensor       = tensor.Tensor
	TransformNet = net.TransformNet
	Trainer      = train.Trainer
	Sink         = summary.Sink
)

// Errors callers may match with errors.Is.
var (
	ErrDatasetExhausted = train.ErrDatasetExhausted
	ErrNoCheckpoint     = checkpoint.ErrNoCheckpoint
	ErrArchMismatch     = checkpoint.ErrArchMismatch
	ErrShapeMismatch    = layer.ErrShapeMismatch
	ErrNoImages         = imageio.ErrNoImages
	ErrWeights          = vgg.ErrWeights
)

// DefaultConfig returns the standard hyperparameters.
func DefaultConfig() Config {
	return config.Default()
}

// NewTransform builds a freshly initialized transform network for cfg.
func NewTransform(cfg Config) (*TransformNet, error) {
	policy, err := precision.Parse(cfg.Precision)
	if err != nil {
		return nil, err
	}
	init, err := layer.InitializerByName(cfg.Initializer)
	if err != nil {
		return nil, err
	}
	return net.NewTransformNet(cfg.Transform(), policy, init, cfg.Seed)
}

// LoadTransform builds the network and restores the latest checkpoint of the
// run named by cfg. It returns the checkpoint step.
func LoadTransform(cfg Config) (*TransformNet, int64, error) {
	tn, err := NewTransform(cfg)
	if err != nil {
		return nil, 0, err
	}
	st, path, err := checkpoint.NewManager(cfg.CheckpointDir(), cfg.MaxCkptToKeep).RestoreLatest()
	if err != nil {
		return nil, 0, err
	}
	if err := st.CheckArch(tn.Arch()); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	if err := tn.LoadWeights(st.Params); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	tn.SetTraining(false)
	return tn, st.Step, nil
}

// LoadExtractor loads the perceptual network and the input normalization its
// weights expect. Random weights are used only when cfg.RandomVGG is set.
func LoadExtractor(cfg Config) (*vgg.Extractor, vgg.Mode, error) {
	policy, err := precision.Parse(cfg.Precision)
	if err != nil {
		return nil, 0, err
	}
	vcfg := vgg.DefaultConfig()
	if cfg.VGGWeights == "" {
		if !cfg.RandomVGG {
			return nil, 0, fmt.Errorf("%w: no vgg weights given", vgg.ErrWeights)
		}
		slog.Warn("using random vgg features")
		ext, err := vgg.New(vcfg, vgg.RandomSource(vcfg, cfg.Seed), policy)
		return ext, vgg.Caffe, err
	}
	src, err := vgg.TorchFile(cfg.VGGWeights)
	if err != nil {
		return nil, 0, err
	}
	ext, err := vgg.New(vcfg, src, policy)
	return ext, vgg.Torch, err
}

// OpenSink opens the summary sink selected by cfg.Sink under cfg.LogDir().
func OpenSink(cfg Config, runID string) (Sink, error) {
	switch cfg.Sink {
	case config.SinkNone:
		return summary.Discard{}, nil
	case config.SinkCSV:
		return summary.OpenCSV(cfg.LogDir(), true)
	case config.SinkBoth:
		db, err := summary.OpenSQLite(filepath.Join(cfg.LogDir(), "summaries.db"), runID)
		if err != nil {
			return nil, err
		}
		csv, err := summary.OpenCSV(cfg.LogDir(), true)
		if err != nil {
			db.Close()
			return nil, err
		}
		return summary.Multi{db, csv}, nil
	default:
		return summary.OpenSQLite(filepath.Join(cfg.LogDir(), "summaries.db"), runID)
	}
}

// Train wires every component from cfg and trains until the content images
// run out or ctx is cancelled.
func Train(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tn, err := NewTransform(cfg)
	if err != nil {
		return err
	}
	if err := tn.CheckInput(3, cfg.InputSize, cfg.InputSize); err != nil {
		return err
	}
	ext, mode, err := LoadExtractor(cfg)
	if err != nil {
		return err
	}
	style, err := imageio.Load(cfg.StyleImg, cfg.InputSize)
	if err != nil {
		return fmt.Errorf("style image: %w", err)
	}
	test, err := imageio.LoadDir(cfg.TestImg, cfg.InputSize, train.MaxImages)
	if err != nil {
		return fmt.Errorf("test images: %w", err)
	}
	ds, err := imageio.NewDataset(cfg.ContentDir, cfg.InputSize, cfg.BatchSize, cfg.Workers, cfg.Seed)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	sink, err := OpenSink(cfg, runID)
	if err != nil {
		slog.Warn("summary sink unavailable, summaries are discarded", "sink", cfg.Sink, "error", err)
		sink = summary.Discard{}
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("closing summary sink", "error", err)
		}
	}()

	tr, err := train.New(train.Options{
		Net:                tn,
		Extractor:          ext,
		Preprocess:         mode,
		Style:              style,
		ContentWeight:      cfg.ContentWeight,
		StyleWeight:        cfg.StyleWeight,
		LearningRate:       cfg.LearningRate,
		Checkpoints:        checkpoint.NewManager(cfg.CheckpointDir(), cfg.MaxCkptToKeep),
		CheckpointInterval: cfg.CheckpointInterval,
		Sink:               sink,
		TestBatch:          test,
		RunID:              runID,
	})
	if err != nil {
		return err
	}

	slog.Info("training", "name", cfg.Name, "run_id", runID, "images", len(ds.Files),
		"batch_size", cfg.BatchSize, "input_size", cfg.InputSize, "precision", cfg.Precision,
		"arch", tn.Arch())
	stream := ds.Start(ctx)
	defer stream.Close()
	return tr.Run(ctx, stream)
}

// Stylize runs tn over x and returns the clipped images.
func Stylize(tn *TransformNet, x *Tensor) ([]image.Image, error) {
	out, err := tn.Forward(x)
	if err != nil {
		return nil, err
	}
	return summary.Grid(out), nil
}

// StylizeFile stylizes the image at in with the latest checkpoint of cfg and
// writes a PNG to out. The image keeps its size, trimmed to a multiple of 4.
func StylizeFile(cfg Config, in, out string) error {
	tn, step, err := LoadTransform(cfg)
	if err != nil {
		return err
	}
	x, err := imageio.LoadMultipleOf(in, 4)
	if err != nil {
		return err
	}
	imgs, err := Stylize(tn, x)
	if err != nil {
		return err
	}
	slog.Info("stylized", "input", in, "output", out, "step", step)
	return imageio.SavePNG(out, imgs[0])
}

// Export writes the latest checkpoint of cfg as GGUF, in float16 when half
// is set.
func Export(cfg Config, w io.Writer, half bool) error {
	tn, _, err := LoadTransform(cfg)
	if err != nil {
		return err
	}
	dtype := precision.Float32
	if half {
		dtype = precision.Float16
	}
	return net.ExportGGUF(w, tn, dtype)
}

// ExportFile is Export to a file path.
func ExportFile(cfg Config, path string, half bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return Export(cfg, f, half)
}

// Summary prints the layer table of the network described by cfg.
func Summary(cfg Config, w io.Writer) error {
	tn, err := NewTransform(cfg)
	if err != nil {
		return err
	}
	return tn.Summary(w, cfg.InputSize, cfg.InputSize)
}
