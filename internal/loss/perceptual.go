package loss

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// StyleTarget holds the feature maps and Gram matrices of the style image at
// every tap. It is computed once and never modified.
type StyleTarget struct {
	Features []*tensor.Tensor
	Grams    []*tensor.Tensor
}

// NewStyleTarget computes the target Gram matrices from the style image taps.
// The style batch must hold exactly one image.
func NewStyleTarget(taps []*tensor.Tensor) (*StyleTarget, error) {
	if len(taps) == 0 {
		return nil, errors.New("loss: style target needs at least one tap")
	}
	st := &StyleTarget{}
	for i, f := range taps {
		if f.N != 1 {
			return nil, fmt.Errorf("loss: style tap %d has batch %d, want 1", i, f.N)
		}
		st.Features = append(st.Features, f)
		st.Grams = append(st.Grams, Gram(f))
	}
	return st, nil
}

// Losses are the scalar loss terms of one batch.
type Losses struct {
	Total   float32
	Content float32
	Style   float32
}

// Perceptual combines the weighted content and style losses.
type Perceptual struct {
	ContentWeight float32
	StyleWeight   float32
	// ContentLayer is the tap index compared for the content loss.
	ContentLayer int
	Target       *StyleTarget
}

// Compute returns the losses of the stylized taps out against the content
// taps, and the gradient of lossScale*Total w.r.t. every stylized tap.
func (p *Perceptual) Compute(out, content []*tensor.Tensor, lossScale float32) (Losses, []*tensor.Tensor, error) {
	taps := len(p.Target.Grams)
	if len(out) != taps {
		return Losses{}, nil, fmt.Errorf("loss: got %d stylized taps, want %d", len(out), taps)
	}
	if p.ContentLayer < 0 || p.ContentLayer >= taps {
		return Losses{}, nil, fmt.Errorf("loss: content layer %d out of range", p.ContentLayer)
	}
	if len(content) <= p.ContentLayer || content[p.ContentLayer] == nil {
		return Losses{}, nil, fmt.Errorf("loss: missing content tap %d", p.ContentLayer)
	}

	var mse MSE
	grads := make([]*tensor.Tensor, taps)

	co, cc := out[p.ContentLayer], content[p.ContentLayer]
	if !co.SameShape(cc) {
		return Losses{}, nil, fmt.Errorf("loss: content tap %v vs %v", co, cc)
	}
	var l Losses
	l.Content = mse.Forward(co.Data, cc.Data) * p.ContentWeight
	cg := tensor.Like(co)
	mse.ScaledBackward(co.Data, cc.Data, cg.Data, lossScale*p.ContentWeight)
	grads[p.ContentLayer] = cg

	styleScale := p.StyleWeight / float32(taps)
	var style float64
	for i, f := range out {
		target := p.Target.Grams[i]
		g := Gram(f)
		if g.H != target.H {
			return Losses{}, nil, fmt.Errorf("loss: tap %d has %d channels, style target %d", i, g.H, target.H)
		}
		// The single target Gram broadcasts over the batch.
		bt := tensor.Like(g)
		per := target.Len()
		for n := 0; n < g.N; n++ {
			copy(bt.Data[n*per:], target.Data)
		}
		style += float64(mse.Forward(g.Data, bt.Data))

		dG := tensor.Like(g)
		mse.ScaledBackward(g.Data, bt.Data, dG.Data, lossScale*styleScale)
		df := GramBackward(f, dG)
		if grads[i] == nil {
			grads[i] = df
		} else {
			grads[i].Add(df)
		}
	}
	l.Style = float32(style) * styleScale
	l.Total = l.Content + l.Style
	return l, grads, nil
}
