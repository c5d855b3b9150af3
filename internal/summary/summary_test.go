package summary

import (
	"bytes"
	"encoding/csv"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

func testBatch(n int) *tensor.Tensor {
	t := tensor.New(n, 3, 2, 2)
	for i := range t.Data {
		t.Data[i] = float32(i*20) - 10
	}
	return t
}

func TestGridClipsAndInterleaves(t *testing.T) {
	b := tensor.New(1, 3, 1, 2)
	copy(b.Data, []float32{-5, 300, 10.7, 20, 30, 40})

	imgs := Grid(b)
	require.Len(t, imgs, 1)
	assert.Equal(t, image.Rect(0, 0, 2, 1), imgs[0].Bounds())
	assert.Equal(t, color.RGBA{0, 10, 30, 255}, imgs[0].At(0, 0))
	assert.Equal(t, color.RGBA{255, 20, 40, 255}, imgs[0].At(1, 0))
}

func TestGridRejectsNonRGB(t *testing.T) {
	assert.Panics(t, func() { Grid(tensor.New(1, 1, 2, 2)) })
}

func TestEncodePNGRoundTrip(t *testing.T) {
	img := Grid(testBatch(1))[0]
	data, err := EncodePNG(img)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_dir", "summaries.db")
	s, err := OpenSQLite(path, uuid.NewString())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Scalar("total loss", 50, 3.5))
	require.NoError(t, s.Scalar("total loss", 100, 2.25))
	require.NoError(t, s.Scalar("style loss", 50, 1))

	points, err := s.Scalars("total loss")
	require.NoError(t, err)
	assert.Equal(t, []ScalarPoint{{50, 3.5}, {100, 2.25}}, points)

	require.NoError(t, s.Images("generated image", 50, Grid(testBatch(4)), 3))
	n, err := s.ImageCount("generated image", 50)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteSinkSeparatesRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summaries.db")
	a, err := OpenSQLite(path, "run-a")
	require.NoError(t, err)
	require.NoError(t, a.Scalar("total loss", 1, 1))
	require.NoError(t, a.Close())

	b, err := OpenSQLite(path, "run-b")
	require.NoError(t, err)
	defer b.Close()
	points, err := b.Scalars("total loss")
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestCSVSink(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCSV(dir, false)
	require.NoError(t, err)

	require.NoError(t, c.Scalar("content loss", 50, 0.5))
	require.NoError(t, c.Images("generated image", 50, Grid(testBatch(2)), 3))
	require.NoError(t, c.Close())

	f, err := os.Open(filepath.Join(dir, "scalars.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"step", "tag", "value", "time_seconds"}, records[0])
	assert.Equal(t, []string{"50", "content loss", "0.5"}, records[1][:3])

	for _, name := range []string{"generated_image-50-0.png", "generated_image-50-1.png"} {
		_, err := os.Stat(filepath.Join(dir, "images", name))
		assert.NoError(t, err, name)
	}
}

func TestCSVSinkAppendKeepsHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	for step := int64(1); step <= 2; step++ {
		c, err := OpenCSV(dir, true)
		require.NoError(t, err)
		require.NoError(t, c.Scalar("total loss", step, 1))
		require.NoError(t, c.Close())
	}

	data, err := os.ReadFile(filepath.Join(dir, "scalars.csv"))
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

type failSink struct{ Discard }

func (failSink) Scalar(string, int64, float64) error { return errors.New("boom") }

func TestMultiJoinsErrors(t *testing.T) {
	m := Multi{Discard{}, failSink{}}
	assert.EqualError(t, m.Scalar("x", 1, 1), "boom")
	assert.NoError(t, m.Images("x", 1, nil, 3))
	assert.NoError(t, m.Close())
}
