// Package config holds the knobs of one training run.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/FlavioCFOliveira/faststyle/internal/layer"
	"github.com/FlavioCFOliveira/faststyle/internal/net"
	"github.com/FlavioCFOliveira/faststyle/internal/precision"
)

// Sink names accepted by Config.Sink.
const (
	SinkSQLite = "sqlite"
	SinkCSV    = "csv"
	SinkBoth   = "both"
	SinkNone   = "none"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	ContentDir         string
	StyleImg           string
	Name               string
	CheckpointInterval int64
	MaxCkptToKeep      int
	TestImg            string

	BatchSize       int
	InputSize       int
	LearningRate    float64
	ContentWeight   float32
	StyleWeight     float32
	ResidualLayers  int
	ResidualFilters int
	Initializer     string
	Precision       string

	// VGGWeights is a torchvision vgg16 state dict. It is required unless
	// RandomVGG is set.
	VGGWeights string
	// RandomVGG trains against randomly initialized features. Only useful
	// for smoke tests.
	RandomVGG bool
	Workers   int
	Seed      int64
	Sink      string
}

// Default returns the standard hyperparameters.
func Default() Config {
	return Config{
		CheckpointInterval: 50,
		MaxCkptToKeep:      10,
		BatchSize:          4,
		InputSize:          256,
		LearningRate:       1e-3,
		ContentWeight:      1.0,
		StyleWeight:        10.0,
		ResidualLayers:     5,
		ResidualFilters:    64,
		Initializer:        "glorot_uniform",
		Precision:          precision.MixedFloat16.Name,
		Workers:            4,
		Sink:               SinkSQLite,
	}
}

// Var returns the trimmed value of the environment variable key.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ApplyEnv overrides fields from FASTSTYLE_* environment variables. Invalid
// values are logged and ignored.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if s := Var(key); s != "" {
			*dst = s
		}
	}
	integer := func(key string, dst *int) {
		if s := Var(key); s != "" {
			if n, err := strconv.Atoi(s); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", *dst)
			} else {
				*dst = n
			}
		}
	}
	int64v := func(key string, dst *int64) {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", *dst)
			} else {
				*dst = n
			}
		}
	}
	float := func(key string, dst *float64) {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", *dst)
			} else {
				*dst = f
			}
		}
	}
	float32v := func(key string, dst *float32) {
		v := float64(*dst)
		float(key, &v)
		*dst = float32(v)
	}

	str("FASTSTYLE_CONTENT_DIR", &c.ContentDir)
	str("FASTSTYLE_STYLE_IMG", &c.StyleImg)
	str("FASTSTYLE_NAME", &c.Name)
	int64v("FASTSTYLE_CHECKPOINT_INTERVAL", &c.CheckpointInterval)
	integer("FASTSTYLE_MAX_CKPT_TO_KEEP", &c.MaxCkptToKeep)
	str("FASTSTYLE_TEST_IMG", &c.TestImg)
	integer("FASTSTYLE_BATCH_SIZE", &c.BatchSize)
	integer("FASTSTYLE_INPUT_SIZE", &c.InputSize)
	float("FASTSTYLE_LEARNING_RATE", &c.LearningRate)
	float32v("FASTSTYLE_CONTENT_WEIGHT", &c.ContentWeight)
	float32v("FASTSTYLE_STYLE_WEIGHT", &c.StyleWeight)
	integer("FASTSTYLE_RESIDUAL_LAYERS", &c.ResidualLayers)
	integer("FASTSTYLE_RESIDUAL_FILTERS", &c.ResidualFilters)
	str("FASTSTYLE_INITIALIZER", &c.Initializer)
	str("FASTSTYLE_PRECISION", &c.Precision)
	str("FASTSTYLE_VGG_WEIGHTS", &c.VGGWeights)
	if s := Var("FASTSTYLE_RANDOM_VGG"); s != "" {
		if b, err := strconv.ParseBool(s); err != nil {
			slog.Warn("invalid environment variable, using default", "key", "FASTSTYLE_RANDOM_VGG", "value", s, "default", c.RandomVGG)
		} else {
			c.RandomVGG = b
		}
	}
	integer("FASTSTYLE_WORKERS", &c.Workers)
	int64v("FASTSTYLE_SEED", &c.Seed)
	str("FASTSTYLE_SINK", &c.Sink)
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	ContentDir         string
	StyleImg           string
	Name               string
	CheckpointInterval int64
	MaxCkptToKeep      int
	TestImg            string
	BatchSize          int
	InputSize          int
	LearningRate       float64
	VGGWeights         string
	RandomVGG          bool
	Workers            int
	Seed               int64
	Sink               string
	Precision          string
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ContentDir != "" {
		c.ContentDir = o.ContentDir
	}
	if o.StyleImg != "" {
		c.StyleImg = o.StyleImg
	}
	if o.Name != "" {
		c.Name = o.Name
	}
	if o.CheckpointInterval > 0 {
		c.CheckpointInterval = o.CheckpointInterval
	}
	if o.MaxCkptToKeep > 0 {
		c.MaxCkptToKeep = o.MaxCkptToKeep
	}
	if o.TestImg != "" {
		c.TestImg = o.TestImg
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.InputSize > 0 {
		c.InputSize = o.InputSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.VGGWeights != "" {
		c.VGGWeights = o.VGGWeights
	}
	if o.RandomVGG {
		c.RandomVGG = true
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Sink != "" {
		c.Sink = o.Sink
	}
	if o.Precision != "" {
		c.Precision = o.Precision
	}
}

// Validate verifies the config is runnable. It does not touch the
// filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ContentDir == "" {
		return errors.New("content_dir must be set")
	}
	if c.StyleImg == "" {
		return errors.New("style_img must be set")
	}
	if c.Name == "" {
		return errors.New("name must be set")
	}
	if c.TestImg == "" {
		return errors.New("test_img must be set")
	}
	if c.VGGWeights == "" && !c.RandomVGG {
		return errors.New("vgg_weights must be set (or random_vgg for smoke tests)")
	}
	return c.ValidateModel()
}

// ValidateModel checks only the fields that shape the network and the
// optimizer.
func (c *Config) ValidateModel() error {
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be > 0 (got %d)", c.CheckpointInterval)
	}
	if c.MaxCkptToKeep <= 0 {
		return fmt.Errorf("max_ckpt_to_keep must be > 0 (got %d)", c.MaxCkptToKeep)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.InputSize <= 0 || c.InputSize%4 != 0 {
		return fmt.Errorf("input_size must be a positive multiple of 4 (got %d)", c.InputSize)
	}
	if c.InputSize/4 < 2 {
		return fmt.Errorf("input_size %d is too small for reflect padding", c.InputSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.ContentWeight < 0 || c.StyleWeight < 0 {
		return fmt.Errorf("loss weights must not be negative (got %g, %g)", c.ContentWeight, c.StyleWeight)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if _, err := layer.InitializerByName(c.Initializer); err != nil {
		return err
	}
	if _, err := precision.Parse(c.Precision); err != nil {
		return err
	}
	switch c.Sink {
	case SinkSQLite, SinkCSV, SinkBoth, SinkNone:
	default:
		return fmt.Errorf("unknown sink %q", c.Sink)
	}
	return c.Transform().Validate()
}

// Transform returns the transform network hyperparameters.
func (c *Config) Transform() net.Config {
	cfg := net.DefaultConfig()
	cfg.ResidualLayers = c.ResidualLayers
	cfg.ResidualFilters = c.ResidualFilters
	cfg.StemFilters[2] = c.ResidualFilters
	return cfg
}

// CheckpointDir is where checkpoints of the run live.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Name, "pretrained")
}

// LogDir is where summaries of the run live.
func (c *Config) LogDir() string {
	return filepath.Join(c.Name, "log_dir")
}
