// Package imageio turns image files into pixel tensors and feeds training
// batches.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// ErrNoImages means a directory or epoch produced no decodable image.
var ErrNoImages = errors.New("imageio: no decodable images")

// Decode reads and decodes the image file at path.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode %s: %w", path, err)
	}
	return img, nil
}

// ToTensor resizes img to w×h with bilinear filtering and returns a 1×3×h×w
// tensor with RGB values in [0, 255]. Alpha is dropped.
func ToTensor(img image.Image, w, h int) *tensor.Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := tensor.New(1, 3, h, w)
	hw := h * w
	for i := 0; i < hw; i++ {
		t.Data[i] = float32(dst.Pix[i*4+0])
		t.Data[hw+i] = float32(dst.Pix[i*4+1])
		t.Data[2*hw+i] = float32(dst.Pix[i*4+2])
	}
	return t
}

// Load decodes path and resizes it to size×size.
func Load(path string, size int) (*tensor.Tensor, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return ToTensor(img, size, size), nil
}

// LoadMultipleOf decodes path and shrinks each side to the nearest multiple
// of m, keeping the original size otherwise.
func LoadMultipleOf(path string, m int) (*tensor.Tensor, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx()/m*m, b.Dy()/m*m
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("imageio: %s is smaller than %dx%d", path, m, m)
	}
	return ToTensor(img, w, h), nil
}

// List returns the sorted jpg, jpeg and png files directly inside dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// LoadDir loads the first limit images of dir in name order as one batch.
// A path naming a single file loads just that file.
func LoadDir(dir string, size, limit int) (*tensor.Tensor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	files := []string{dir}
	if info.IsDir() {
		if files, err = List(dir); err != nil {
			return nil, err
		}
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}

	imgs := make([]*tensor.Tensor, len(files))
	for i, f := range files {
		if imgs[i], err = Load(f, size); err != nil {
			return nil, err
		}
	}
	return tensor.Concat(imgs...)
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
