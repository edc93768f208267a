// Package dataset turns a directory of images into a stream of training
// batches: random square patches are cut from randomly drawn images by a
// pool of decode workers and assembled into batch tensors ahead of the
// training loop.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/charm/internal/tensor"
	"github.com/MeKo-Tech/charm/internal/utils"
)

// Config holds the data loading parameters.
type Config struct {
	Dir       string // Directory scanned recursively for images
	Glob      string // Glob pattern selecting images directly; takes precedence over Dir
	PatchSize int    // Square patch edge in pixels (default: 256)
	BatchSize int    // Patches per batch (default: 8)
	Workers   int    // Parallel decode workers (default: number of CPUs)
	Prefetch  int    // Batches buffered ahead of the consumer (default: 4)
	Seed      int64  // Patch sampling seed
}

// DefaultConfig returns the standard training data configuration.
func DefaultConfig() Config {
	return Config{
		PatchSize: 256,
		BatchSize: 8,
		Workers:   0,
		Prefetch:  4,
		Seed:      1,
	}
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	if c.PatchSize <= 0 {
		return fmt.Errorf("patch size must be positive, got %d", c.PatchSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative, got %d", c.Prefetch)
	}
	return nil
}

// Discover walks dir recursively and returns all supported image files in
// sorted order.
func Discover(dir string) ([]string, error) {
	var files []string
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if utils.IsSupportedImage(path) {
			files = append(files, path)
		}
		return nil
	}
	if err := filepath.Walk(dir, walkFn); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// DiscoverGlob expands the pattern and returns the supported image files
// among the matches in sorted order.
func DiscoverGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expanding pattern %s: %w", pattern, err)
	}
	var files []string
	for _, m := range matches {
		if utils.IsSupportedImage(m) {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Loader produces training batches from a fixed set of image files.
type Loader struct {
	cfg   Config
	paths []string
}

// NewLoader discovers the images selected by the configured glob pattern
// or directory.
func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		paths  []string
		err    error
		source string
	)
	if cfg.Glob != "" {
		paths, err = DiscoverGlob(cfg.Glob)
		source = cfg.Glob
	} else {
		paths, err = Discover(cfg.Dir)
		source = cfg.Dir
	}
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found under %s", source)
	}
	return &Loader{cfg: cfg, paths: paths}, nil
}

// Len returns the number of discovered source images.
func (l *Loader) Len() int { return len(l.paths) }

// Paths returns the discovered image files.
func (l *Loader) Paths() []string { return l.paths }

// Config returns the loader configuration.
func (l *Loader) Config() Config { return l.cfg }

// job is one patch to cut: the source image and the seed deciding the
// crop position.
type job struct {
	path string
	seed int64
}

// Batches streams numBatches batch tensors of shape
// (BatchSize, PatchSize, PatchSize, 3) with values in [0, 255] using the
// configured seed. The channel closes after the last batch or on error;
// the returned wait function reports the first error once the stream
// ends. Cancel ctx to abandon the stream early.
func (l *Loader) Batches(ctx context.Context, numBatches int) (<-chan *tensor.Tensor, func() error) {
	return l.BatchesSeeded(ctx, numBatches, l.cfg.Seed)
}

// BatchesSeeded is Batches with an explicit sampling seed, so a caller
// can draw several disjoint streams from one corpus, such as per-epoch
// training batches and a held-out validation sample.
func (l *Loader) BatchesSeeded(ctx context.Context, numBatches int, seed int64) (<-chan *tensor.Tensor, func() error) {
	workers := l.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := make(chan *tensor.Tensor, l.cfg.Prefetch)
	patches := make(chan *tensor.Tensor, l.cfg.BatchSize)
	jobs := make(chan job, l.cfg.BatchSize)

	g, gctx := errgroup.WithContext(ctx)

	// One feeder draws the random image and crop sequence, so the job
	// list is reproducible for a given seed.
	g.Go(func() error {
		defer close(jobs)
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < numBatches*l.cfg.BatchSize; i++ {
			j := job{path: l.paths[rng.Intn(len(l.paths))], seed: rng.Int63()}
			select {
			case jobs <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var decodeWG sync.WaitGroup
	for w := 0; w < workers; w++ {
		decodeWG.Add(1)
		g.Go(func() error {
			defer decodeWG.Done()
			for j := range jobs {
				p, err := l.cutPatch(j)
				if err != nil {
					return fmt.Errorf("%s: %w", j.path, err)
				}
				select {
				case patches <- p:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		decodeWG.Wait()
		close(patches)
	}()

	g.Go(func() error {
		defer close(out)
		stride := l.cfg.PatchSize * l.cfg.PatchSize * 3
		var batch *tensor.Tensor
		count := 0
		for p := range patches {
			if batch == nil {
				batch = tensor.New(l.cfg.BatchSize, l.cfg.PatchSize, l.cfg.PatchSize, 3)
			}
			copy(batch.Data[count*stride:(count+1)*stride], p.Data)
			count++
			if count == l.cfg.BatchSize {
				select {
				case out <- batch:
				case <-gctx.Done():
					return gctx.Err()
				}
				batch, count = nil, 0
			}
		}
		return nil
	})

	return out, g.Wait
}

// cutPatch decodes the job's image and cuts its random patch. Images
// smaller than the patch are upscaled first so every file can contribute.
func (l *Loader) cutPatch(j job) (*tensor.Tensor, error) {
	img, _, err := utils.LoadImage(j.path)
	if err != nil {
		return nil, err
	}
	img = utils.ResizeMinEdge(img, l.cfg.PatchSize)
	t, err := utils.ImageToTensor(img)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(j.seed))
	return randomCrop(t, l.cfg.PatchSize, rng)
}

// randomCrop cuts a square region at a uniformly drawn position.
func randomCrop(t *tensor.Tensor, size int, rng *rand.Rand) (*tensor.Tensor, error) {
	if t.H < size || t.W < size {
		return nil, fmt.Errorf("image %dx%d smaller than patch size %d", t.H, t.W, size)
	}
	top := rng.Intn(t.H - size + 1)
	left := rng.Intn(t.W - size + 1)

	out := tensor.New(1, size, size, 3)
	rowLen := size * 3
	for y := 0; y < size; y++ {
		src := t.Index(0, top+y, left, 0)
		dst := out.Index(0, y, 0, 0)
		copy(out.Data[dst:dst+rowLen], t.Data[src:src+rowLen])
	}
	return out, nil
}
