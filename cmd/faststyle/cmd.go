package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FlavioCFOliveira/faststyle/faststyle"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "faststyle",
		Short:         "Fast neural style transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newTrainCmd(),
		newStylizeCmd(),
		newExportCmd(),
		newSummaryCmd(),
	)
	return rootCmd
}

// loadConfig returns the defaults with FASTSTYLE_* variables and then the
// given overrides applied.
func loadConfig(o faststyle.Overrides) faststyle.Config {
	cfg := faststyle.DefaultConfig()
	cfg.ApplyEnv()
	cfg.ApplyOverrides(o)
	return cfg
}

func newTrainCmd() *cobra.Command {
	var o faststyle.Overrides
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a transform network for one style",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := faststyle.Train(cmd.Context(), loadConfig(o))
			if errors.Is(err, context.Canceled) {
				slog.Info("training interrupted")
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.ContentDir, "content-dir", "", "Directory of content images")
	f.StringVar(&o.StyleImg, "style-img", "", "Style image")
	f.StringVar(&o.Name, "name", "", "Run name; checkpoints and logs live under it")
	f.Int64Var(&o.CheckpointInterval, "checkpoint-interval", 0, "Steps between checkpoints (default 50)")
	f.IntVar(&o.MaxCkptToKeep, "max-ckpt-to-keep", 0, "Checkpoints to retain (default 10)")
	f.StringVar(&o.TestImg, "test-img", "", "Test image directory or file")
	f.StringVar(&o.VGGWeights, "vgg-weights", "", "torchvision vgg16 state dict (.pth)")
	f.BoolVar(&o.RandomVGG, "random-vgg", false, "Use random vgg16 weights (smoke tests only)")
	f.IntVar(&o.BatchSize, "batch-size", 0, "Batch size (default 4)")
	f.IntVar(&o.InputSize, "input-size", 0, "Training image size, a multiple of 4 (default 256)")
	f.Float64Var(&o.LearningRate, "learning-rate", 0, "Adam learning rate (default 0.001)")
	f.IntVar(&o.Workers, "workers", 0, "Image decode workers (default 4)")
	f.Int64Var(&o.Seed, "seed", 0, "Random seed")
	f.StringVar(&o.Sink, "sink", "", "Summary sink: sqlite, csv, both or none (default sqlite)")
	f.StringVar(&o.Precision, "precision", "", "float32 or mixed_float16 (default mixed_float16)")
	return cmd
}

func newStylizeCmd() *cobra.Command {
	var o faststyle.Overrides
	var in, out string
	cmd := &cobra.Command{
		Use:   "stylize",
		Short: "Stylize an image with the latest checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return faststyle.StylizeFile(loadConfig(o), in, out)
		},
	}
	cmd.Flags().StringVar(&o.Name, "name", "", "Run name")
	cmd.Flags().StringVar(&in, "input", "", "Input image")
	cmd.Flags().StringVar(&out, "output", "stylized.png", "Output PNG")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newExportCmd() *cobra.Command {
	var o faststyle.Overrides
	var out string
	var half bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the latest checkpoint as GGUF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(o)
			if err := faststyle.ExportFile(cfg, out, half); err != nil {
				return err
			}
			slog.Info("exported", "name", cfg.Name, "output", out, "f16", half)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.Name, "name", "", "Run name")
	cmd.Flags().StringVar(&out, "output", "model.gguf", "Output file")
	cmd.Flags().BoolVar(&half, "f16", false, "Store weights as float16")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newSummaryCmd() *cobra.Command {
	var o faststyle.Overrides
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the transform network layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return faststyle.Summary(loadConfig(o), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&o.InputSize, "input-size", 0, "Input size (default 256)")
	return cmd
}
