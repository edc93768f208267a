package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/dataset"
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// ErrNonFiniteLoss reports that a training step produced a NaN or Inf
// loss. Training stops immediately; continuing would corrupt every later
// update.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// Config holds the training loop parameters.
type Config struct {
	// Optimization settings
	Epochs             int     // Total training epochs (default: 2000)
	StepsPerEpoch      int     // Optimizer steps per epoch (default: 1000)
	MaxValidationSteps int     // Validation batches cached and scored each epoch (default: 16)
	LearningRate       float64 // Adam learning rate (default: 1e-4)
	LRDropEpoch        int     // First epoch trained at the reduced rate (default: 1800)
	LRDropFactor       float64 // Learning rate multiplier from the drop epoch on (default: 0.1)

	// Artifact settings
	CheckpointPath string // Final frozen model file
	BackupDir      string // Per-epoch checkpoints, in a run subdirectory (default: directory of CheckpointPath)
	MetricsAddr    string // Prometheus listen address; empty disables the endpoint

	LogEvery int // Steps between progress log lines (default: 100)
}

// DefaultConfig returns the standard training configuration.
func DefaultConfig() Config {
	return Config{
		Epochs:             2000,
		StepsPerEpoch:      1000,
		MaxValidationSteps: 16,
		LearningRate:       1e-4,
		LRDropEpoch:        1800,
		LRDropFactor:       0.1,
		CheckpointPath:     "charm_model.safetensors",
		LogEvery:           100,
	}
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.StepsPerEpoch <= 0 {
		return fmt.Errorf("steps per epoch must be positive, got %d", c.StepsPerEpoch)
	}
	if c.MaxValidationSteps < 0 {
		return fmt.Errorf("max validation steps must not be negative, got %d", c.MaxValidationSteps)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.LRDropEpoch < 0 {
		return fmt.Errorf("lr drop epoch must not be negative, got %d", c.LRDropEpoch)
	}
	if c.LRDropFactor <= 0 || c.LRDropFactor > 1 {
		return fmt.Errorf("lr drop factor must be in (0, 1], got %g", c.LRDropFactor)
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint path must not be empty")
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("log interval must be positive, got %d", c.LogEvery)
	}
	return nil
}

// learningRateFor returns the rate in effect for a given epoch under the
// stepped schedule.
func (c Config) learningRateFor(epoch int) float64 {
	if epoch >= c.LRDropEpoch {
		return c.LearningRate * c.LRDropFactor
	}
	return c.LearningRate
}

// Trainer runs the optimization loop for one model over one image corpus.
type Trainer struct {
	cfg    Config
	model  *codec.Model
	loader *dataset.Loader
	opt    *Adam
	logger *slog.Logger

	runID      string
	startEpoch int

	valBatches []*tensor.Tensor
}

// New creates a trainer with a fresh run ID.
func New(model *codec.Model, loader *dataset.Loader, cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New("model must not be nil")
	}
	if loader == nil {
		return nil, errors.New("dataset loader must not be nil")
	}
	return &Trainer{
		cfg:    cfg,
		model:  model,
		loader: loader,
		opt:    NewAdam(model.Params(), cfg.LearningRate),
		logger: slog.Default(),
		runID:  uuid.NewString(),
	}, nil
}

// WithLogger sets the logger used for progress reporting.
func (t *Trainer) WithLogger(logger *slog.Logger) *Trainer {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// WithStartEpoch resumes counting from a checkpointed epoch; the schedule
// and per-epoch batch sampling pick up where the saved run left off.
func (t *Trainer) WithStartEpoch(epoch int) *Trainer {
	if epoch > 0 {
		t.startEpoch = epoch
	}
	return t
}

// RunID returns the identity of this training run.
func (t *Trainer) RunID() string { return t.runID }

// Run trains for the configured number of epochs, validating and writing
// a backup checkpoint after each one. The final checkpoint is frozen, so
// the saved model is immediately usable for compression.
func (t *Trainer) Run(ctx context.Context) error {
	if t.cfg.MetricsAddr != "" {
		stop := t.serveMetrics(t.cfg.MetricsAddr)
		defer stop()
	}

	backupDir := t.cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Dir(t.cfg.CheckpointPath)
	}
	runDir := filepath.Join(backupDir, "run-"+t.runID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	t.logger.Info("training run starting",
		"run_id", t.runID,
		"epochs", t.cfg.Epochs,
		"start_epoch", t.startEpoch,
		"steps_per_epoch", t.cfg.StepsPerEpoch,
		"images", t.loader.Len(),
		"lambda", t.model.Config().Lambda,
	)

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		lr := t.cfg.learningRateFor(epoch)
		t.opt.SetLearningRate(lr)
		trainLearningRate.Set(lr)

		if err := t.trainEpoch(ctx, epoch); err != nil {
			return err
		}
		if err := t.validate(ctx, epoch); err != nil {
			return err
		}

		backup := filepath.Join(runDir, fmt.Sprintf("epoch_%04d.safetensors", epoch+1))
		if err := codec.SaveCheckpoint(backup, t.model, epoch+1); err != nil {
			return fmt.Errorf("saving backup checkpoint: %w", err)
		}
	}

	t.model.Freeze()
	if err := codec.SaveCheckpoint(t.cfg.CheckpointPath, t.model, t.cfg.Epochs); err != nil {
		return fmt.Errorf("saving final checkpoint: %w", err)
	}
	t.logger.Info("training complete", "run_id", t.runID, "model", t.cfg.CheckpointPath)
	return nil
}

// trainEpoch applies StepsPerEpoch optimizer steps on a batch stream
// seeded by the epoch index, so every epoch sees fresh patches and a
// resumed run replays the exact schedule of the original.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) error {
	seed := t.loader.Config().Seed + int64(epoch) + 1
	batches, wait := t.loader.BatchesSeeded(ctx, t.cfg.StepsPerEpoch, seed)

	step := 0
	for batch := range batches {
		start := time.Now()

		t.model.ZeroGrads()
		res, err := t.model.Forward(batch, true)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return fmt.Errorf("epoch %d step %d: %w", epoch, step, ErrNonFiniteLoss)
		}
		if err := t.model.Backward(); err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		t.opt.Step()

		trainStepsTotal.Inc()
		trainStepDuration.Observe(time.Since(start).Seconds())
		trainLoss.Set(res.Loss)
		trainBPP.Set(res.BPP)
		trainMSE.Set(res.MSE)

		if step%t.cfg.LogEvery == 0 {
			t.logger.Info("train step",
				"epoch", epoch,
				"step", step,
				"loss", res.Loss,
				"bpp", res.BPP,
				"mse", res.MSE,
				"lr", t.opt.LearningRate(),
			)
		}
		step++
	}
	return wait()
}

// validate scores the cached validation sample with eval-mode forward
// passes. The sample is drawn once, so the numbers are comparable across
// epochs.
func (t *Trainer) validate(ctx context.Context, epoch int) error {
	batches, err := t.validationBatches(ctx)
	if err != nil {
		return fmt.Errorf("drawing validation batches: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	var loss, bpp, mse float64
	for _, b := range batches {
		res, err := t.model.Forward(b, false)
		if err != nil {
			return fmt.Errorf("validation epoch %d: %w", epoch, err)
		}
		loss += res.Loss
		bpp += res.BPP
		mse += res.MSE
	}
	n := float64(len(batches))
	validationLoss.Set(loss / n)
	validationBPP.Set(bpp / n)
	t.logger.Info("validation",
		"epoch", epoch,
		"loss", loss/n,
		"bpp", bpp/n,
		"mse", mse/n,
	)
	return nil
}

// validationBatches materializes the held-out sample on first use. The
// sample stream uses the loader's base seed while training epochs use
// offset seeds, keeping the two draws disjoint.
func (t *Trainer) validationBatches(ctx context.Context) ([]*tensor.Tensor, error) {
	if t.valBatches != nil || t.cfg.MaxValidationSteps == 0 {
		return t.valBatches, nil
	}
	out, wait := t.loader.BatchesSeeded(ctx, t.cfg.MaxValidationSteps, t.loader.Config().Seed)
	for b := range out {
		t.valBatches = append(t.valBatches, b)
	}
	if err := wait(); err != nil {
		return nil, err
	}
	return t.valBatches, nil
}

// serveMetrics exposes the Prometheus registry until the returned stop
// function is called.
func (t *Trainer) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		t.logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
