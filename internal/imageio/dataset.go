package imageio

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Dataset streams shuffled, resized content images in fixed size batches.
// The file list repeats forever and is reshuffled every epoch.
type Dataset struct {
	Files     []string
	Size      int
	BatchSize int
	Workers   int
	Seed      int64
}

// NewDataset lists the images in dir. It fails with ErrNoImages when the
// directory holds no candidate files.
func NewDataset(dir string, size, batchSize, workers int, seed int64) (*Dataset, error) {
	files, err := List(dir)
	if err != nil {
		return nil, fmt.Errorf("imageio: list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("imageio: batch size must be positive, got %d", batchSize)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dataset{Files: files, Size: size, BatchSize: batchSize, Workers: workers, Seed: seed}, nil
}

// Stream is a running dataset pipeline.
type Stream struct {
	batches <-chan *tensor.Tensor
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches the decode workers. Batches are delivered in order of
// availability until ctx is cancelled, Close is called, or an epoch yields
// no decodable image.
func (d *Dataset) Start(ctx context.Context) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *tensor.Tensor, 2)
	s := &Stream{batches: out, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(out)
		s.setErr(d.run(ctx, out))
	}()
	return s
}

func (d *Dataset) run(ctx context.Context, out chan<- *tensor.Tensor) error {
	rng := rand.New(rand.NewSource(d.Seed))
	order := make([]string, len(d.Files))
	var pending []*tensor.Tensor

	for epoch := 1; ; epoch++ {
		copy(order, d.Files)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		decoded := make(chan *tensor.Tensor, d.Workers)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.Workers)
		go func() {
			for _, path := range order {
				if gctx.Err() != nil {
					break
				}
				path := path
				g.Go(func() error {
					img, err := Load(path, d.Size)
					if err != nil {
						slog.Warn("skipping unreadable image", "path", path, "error", err)
						return nil
					}
					select {
					case decoded <- img:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})
			}
			g.Wait()
			close(decoded)
		}()

		n := 0
		for img := range decoded {
			n++
			pending = append(pending, img)
			if len(pending) < d.BatchSize {
				continue
			}
			batch, err := tensor.Concat(pending...)
			if err != nil {
				return err
			}
			pending = pending[:0]
			select {
			case out <- batch:
			case <-ctx.Done():
				for range decoded {
				}
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: epoch %d", ErrNoImages, epoch)
		}
		slog.Debug("dataset epoch complete", "epoch", epoch, "images", n)
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Next blocks for the next batch. After the stream ends it returns the
// reason: ErrNoImages, or the context error.
func (s *Stream) Next(ctx context.Context) (*tensor.Tensor, error) {
	select {
	case b, ok := <-s.batches:
		if ok {
			return b, nil
		}
		<-s.done
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers and waits for them to exit.
func (s *Stream) Close() {
	s.cancel()
	for range s.batches {
	}
	<-s.done
}
