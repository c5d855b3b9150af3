package summary

import (
	"encoding/csv"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CSVSink logs scalars to scalars.csv and writes images as PNG files under
// images/ in Dir.
type CSVSink struct {
	Dir    string
	Append bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
}

// OpenCSV creates a new CSVSink in dir.
func OpenCSV(dir string, appendMode bool) (*CSVSink, error) {
	c := &CSVSink{Dir: dir, Append: appendMode}
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("summary: create dir: %w", err)
	}

	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(filepath.Join(dir, "scalars.csv"), mode, 0644)
	if err != nil {
		return nil, fmt.Errorf("summary: open scalars.csv: %w", err)
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		c.writer.Write([]string{"step", "tag", "value", "time_seconds"})
		c.writer.Flush()
	}
	return c, c.writer.Error()
}

// Scalar implements Sink.
func (c *CSVSink) Scalar(name string, step int64, value float64) error {
	if c.writer == nil {
		return fmt.Errorf("summary: csv sink closed")
	}

	elapsed := time.Since(c.start).Seconds()
	record := []string{
		strconv.FormatInt(step, 10),
		name,
		strconv.FormatFloat(value, 'g', -1, 64),
		fmt.Sprintf("%.2f", elapsed),
	}

	if err := c.writer.Write(record); err != nil {
		return fmt.Errorf("summary: write record: %w", err)
	}
	c.writer.Flush()
	return c.writer.Error()
}

// Images implements Sink. Files are named <tag>-<step>-<index>.png.
func (c *CSVSink) Images(name string, step int64, imgs []image.Image, maxOutputs int) error {
	tag := strings.ReplaceAll(name, " ", "_")
	for i, img := range limit(imgs, maxOutputs) {
		data, err := EncodePNG(img)
		if err != nil {
			return fmt.Errorf("summary: encode %s[%d]: %w", name, i, err)
		}
		path := filepath.Join(c.Dir, "images", fmt.Sprintf("%s-%d-%d.png", tag, step, i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink.
func (c *CSVSink) Close() error {
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := c.file.Close()
	c.file = nil
	c.writer = nil
	return err
}
