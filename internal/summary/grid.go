package summary

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Grid converts an N×3×H×W batch to N RGBA images, clipping every value to
// [0, 255] first.
func Grid(batch *tensor.Tensor) []image.Image {
	if batch.C != 3 {
		panic(fmt.Sprintf("summary: images need 3 channels, got %v", batch))
	}
	pix := batch.ClipToUint8()
	hw := batch.H * batch.W
	out := make([]image.Image, batch.N)
	for n := 0; n < batch.N; n++ {
		img := image.NewRGBA(image.Rect(0, 0, batch.W, batch.H))
		base := n * 3 * hw
		for i := 0; i < hw; i++ {
			img.Pix[i*4+0] = pix[base+i]
			img.Pix[i*4+1] = pix[base+hw+i]
			img.Pix[i*4+2] = pix[base+2*hw+i]
			img.Pix[i*4+3] = 0xff
		}
		out[n] = img
	}
	return out
}

// EncodePNG returns img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
