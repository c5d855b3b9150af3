// Package summary records training scalars and sample images.
package summary

import (
	"errors"
	"image"
)

// Sink receives telemetry. The trainer logs failures and keeps going, so
// implementations need not retry.
type Sink interface {
	// Scalar records one value of the series name at step.
	Scalar(name string, step int64, value float64) error
	// Images records up to maxOutputs images under name at step.
	Images(name string, step int64, imgs []image.Image, maxOutputs int) error
	Close() error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Scalar(string, int64, float64) error            { return nil }
func (Discard) Images(string, int64, []image.Image, int) error { return nil }
func (Discard) Close() error                                   { return nil }

// Multi fans out to several sinks, joining their errors.
type Multi []Sink

func (m Multi) Scalar(name string, step int64, value float64) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Scalar(name, step, value))
	}
	return errors.Join(errs...)
}

func (m Multi) Images(name string, step int64, imgs []image.Image, maxOutputs int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Images(name, step, imgs, maxOutputs))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func limit(imgs []image.Image, maxOutputs int) []image.Image {
	if maxOutputs > 0 && len(imgs) > maxOutputs {
		return imgs[:maxOutputs]
	}
	return imgs
}
