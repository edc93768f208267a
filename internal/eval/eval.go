// Package eval scores a frozen model over a directory of images. Every
// image is compressed, packed, decompressed, and measured; compressed
// artifacts and reconstructions are written out, and the run's mean
// quality numbers are appended to a report file.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/MeKo-Tech/charm/internal/bitstream"
	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/dataset"
	"github.com/MeKo-Tech/charm/internal/metrics"
	"github.com/MeKo-Tech/charm/internal/utils"
)

// The analysis transform halves the spatial dims four times, so one
// latent cell covers a 16x16 pixel block.
const heatmapScale = 16

// Config holds the evaluation run parameters.
type Config struct {
	InputDir    string           // Directory scanned recursively for source images
	OutputDir   string           // Compressed artifact directory (.charm files)
	PNGDir      string           // Reconstruction directory; empty skips reconstructions
	ResultsFile string           // Report file appended per run; empty skips the report
	RunLabel    string           // Heading of the report block (default: "charm")
	Heatmaps    bool             // Also render latent energy heatmaps
	Workers     int              // Parallel workers (0 = number of CPUs)
	Progress    ProgressCallback // Optional progress reporting
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	if c.InputDir == "" {
		return errors.New("input directory must not be empty")
	}
	if c.OutputDir == "" {
		return errors.New("output directory must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// ImageResult holds the per-image quality numbers.
type ImageResult struct {
	Path           string  `json:"path"`
	PSNR           float64 `json:"psnr_db"`
	MSSSIM         float64 `json:"msssim_db"`
	BPP            float64 `json:"bits_per_pixel"`
	CompressedSize int     `json:"compressed_size_bytes"`
}

// Result is the outcome of one evaluation run.
type Result struct {
	Images      []ImageResult `json:"images"`
	MeanPSNR    float64       `json:"mean_psnr_db"`
	MeanMSSSIM  float64       `json:"mean_msssim_db"`
	MeanBPP     float64       `json:"mean_bits_per_pixel"`
	Duration    time.Duration `json:"duration_ns"`
	WorkerCount int           `json:"worker_count"`
}

// Evaluator runs a frozen model over an image corpus.
type Evaluator struct {
	model  *codec.Model
	cfg    Config
	logger *slog.Logger
}

// New creates an evaluator. The model must already be frozen; evaluation
// reads its tables concurrently from several workers.
func New(model *codec.Model, cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New("model must not be nil")
	}
	if !model.Frozen() {
		return nil, codec.ErrNotFrozen
	}
	if cfg.RunLabel == "" {
		cfg.RunLabel = "charm"
	}
	return &Evaluator{
		model:  model,
		cfg:    cfg,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger used for progress reporting.
func (e *Evaluator) WithLogger(logger *slog.Logger) *Evaluator {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// imageJob is a single image to evaluate.
type imageJob struct {
	index int
	path  string
}

// imageResult is the outcome of evaluating a single image.
type imageResult struct {
	index  int
	result ImageResult
	err    error
}

// Run evaluates every image under the input directory with a fixed-size
// worker pool and returns per-image and mean metrics in discovery order.
func (e *Evaluator) Run(ctx context.Context) (*Result, error) {
	paths, err := dataset.Discover(e.cfg.InputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found under %s", e.cfg.InputDir)
	}

	for _, dir := range []string{e.cfg.OutputDir, e.cfg.PNGDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	if e.cfg.Progress != nil {
		e.cfg.Progress.OnStart(len(paths))
		defer e.cfg.Progress.OnComplete()
	}

	start := time.Now()

	jobs := make(chan imageJob, len(paths))
	results := make(chan imageResult, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, jobs, results, &wg)
	}

	go func() {
		defer close(jobs)
		for i, p := range paths {
			select {
			case jobs <- imageJob{index: i, path: p}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	resultMap := make(map[int]ImageResult)
	errorMap := make(map[int]error)
	processedCount := 0

	for r := range results {
		if r.err != nil {
			errorMap[r.index] = r.err
		} else {
			resultMap[r.index] = r.result
		}
		processedCount++

		if e.cfg.Progress != nil {
			e.cfg.Progress.OnProgress(processedCount, len(paths))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Images:      make([]ImageResult, 0, len(paths)),
		Duration:    time.Since(start),
		WorkerCount: workers,
	}
	var firstError error
	for i := range paths {
		if err := errorMap[i]; err != nil {
			if firstError == nil {
				firstError = fmt.Errorf("%s: %w", paths[i], err)
			}
			if e.cfg.Progress != nil {
				e.cfg.Progress.OnError(i, err)
			}
			continue
		}
		res.Images = append(res.Images, resultMap[i])
	}
	if firstError != nil {
		return nil, firstError
	}

	psnr := make([]float64, len(res.Images))
	msssim := make([]float64, len(res.Images))
	bpp := make([]float64, len(res.Images))
	for i, ir := range res.Images {
		psnr[i] = ir.PSNR
		msssim[i] = ir.MSSSIM
		bpp[i] = ir.BPP
	}
	res.MeanPSNR = stat.Mean(psnr, nil)
	res.MeanMSSSIM = stat.Mean(msssim, nil)
	res.MeanBPP = stat.Mean(bpp, nil)

	if e.cfg.ResultsFile != "" {
		if err := AppendReport(e.cfg.ResultsFile, e.cfg.RunLabel, res); err != nil {
			return nil, fmt.Errorf("writing report: %w", err)
		}
	}

	e.logger.Info("evaluation finished",
		"images", len(res.Images),
		"mean_psnr_db", res.MeanPSNR,
		"mean_msssim_db", res.MeanMSSSIM,
		"mean_bpp", res.MeanBPP,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// worker evaluates images from the jobs channel.
func (e *Evaluator) worker(ctx context.Context, jobs <-chan imageJob, results chan<- imageResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}

			r, err := e.processImage(job.path)

			select {
			case results <- imageResult{index: job.index, result: r, err: err}:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// processImage runs the full compress, pack, decompress, measure chain
// for one image and writes its artifacts.
func (e *Evaluator) processImage(path string) (ImageResult, error) {
	img, _, err := utils.LoadImage(path)
	if err != nil {
		return ImageResult{}, err
	}
	x, err := utils.ImageToTensor(img)
	if err != nil {
		return ImageResult{}, err
	}

	c, err := e.model.Compress(x)
	if err != nil {
		return ImageResult{}, fmt.Errorf("compress: %w", err)
	}
	packed := bitstream.Pack(c)

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	artifact := filepath.Join(e.cfg.OutputDir, stem+bitstream.Extension)
	if err := os.WriteFile(artifact, packed, 0o600); err != nil {
		return ImageResult{}, fmt.Errorf("writing %s: %w", artifact, err)
	}

	xHat, err := e.model.Decompress(c)
	if err != nil {
		return ImageResult{}, fmt.Errorf("decompress: %w", err)
	}

	psnr, err := metrics.PSNR(x, xHat)
	if err != nil {
		return ImageResult{}, err
	}
	msssim, err := metrics.MSSSIM(x, xHat)
	if err != nil {
		return ImageResult{}, err
	}

	r := ImageResult{
		Path:           path,
		PSNR:           psnr,
		MSSSIM:         metrics.Decibels(msssim),
		BPP:            float64(len(packed)*8) / float64(x.H*x.W),
		CompressedSize: len(packed),
	}

	if e.cfg.PNGDir != "" {
		rec, err := utils.TensorToImage(xHat, 0)
		if err != nil {
			return ImageResult{}, err
		}
		if err := utils.SaveImage(filepath.Join(e.cfg.PNGDir, stem+".png"), rec); err != nil {
			return ImageResult{}, err
		}
	}

	if e.cfg.Heatmaps {
		yHat, err := e.model.Latents(c)
		if err != nil {
			return ImageResult{}, err
		}
		hm, err := EnergyHeatmap(yHat, heatmapScale)
		if err != nil {
			return ImageResult{}, err
		}
		dir := e.cfg.PNGDir
		if dir == "" {
			dir = e.cfg.OutputDir
		}
		if err := utils.SaveImage(filepath.Join(dir, stem+"_heatmap.png"), hm); err != nil {
			return ImageResult{}, err
		}
	}

	return r, nil
}
