package train

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/dataset"
	"github.com/MeKo-Tech/charm/internal/nn"
	"github.com/MeKo-Tech/charm/internal/testutil"
)

func testModel(t *testing.T) *codec.Model {
	t.Helper()

	cfg := codec.Config{
		LatentDepth:      8,
		HyperpriorDepth:  4,
		NumSlices:        2,
		MaxSupportSlices: 1,
		NumScales:        8,
		ScaleMin:         0.11,
		ScaleMax:         8,
		Lambda:           0.01,
		Seed:             42,
	}
	m, err := codec.New(cfg)
	require.NoError(t, err)
	return m
}

func testLoader(t *testing.T) *dataset.Loader {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 4, 24, 24)
	l, err := dataset.NewLoader(dataset.Config{
		Dir:       dir,
		PatchSize: 16,
		BatchSize: 1,
		Workers:   1,
		Prefetch:  1,
		Seed:      3,
	})
	require.NoError(t, err)
	return l
}

func tinyConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Epochs = 2
	cfg.StepsPerEpoch = 2
	cfg.MaxValidationSteps = 1
	cfg.LogEvery = 1
	cfg.CheckpointPath = filepath.Join(dir, "model.safetensors")
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2000, cfg.Epochs)
	assert.Equal(t, 1000, cfg.StepsPerEpoch)
	assert.Equal(t, 1800, cfg.LRDropEpoch)
	assert.InDelta(t, 1e-4, cfg.LearningRate, 1e-12)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero steps", func(c *Config) { c.StepsPerEpoch = 0 }},
		{"negative validation steps", func(c *Config) { c.MaxValidationSteps = -1 }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"negative drop epoch", func(c *Config) { c.LRDropEpoch = -1 }},
		{"zero drop factor", func(c *Config) { c.LRDropFactor = 0 }},
		{"drop factor above one", func(c *Config) { c.LRDropFactor = 1.5 }},
		{"empty checkpoint path", func(c *Config) { c.CheckpointPath = "" }},
		{"zero log interval", func(c *Config) { c.LogEvery = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLearningRateSchedule(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 1e-4, cfg.learningRateFor(0), 1e-12)
	assert.InDelta(t, 1e-4, cfg.learningRateFor(1799), 1e-12)
	assert.InDelta(t, 1e-5, cfg.learningRateFor(1800), 1e-12)
	assert.InDelta(t, 1e-5, cfg.learningRateFor(1999), 1e-12)

	cfg.LRDropEpoch = 0
	assert.InDelta(t, 1e-5, cfg.learningRateFor(0), 1e-12)
}

func TestNewRejectsBadInputs(t *testing.T) {
	m := testModel(t)
	l := testLoader(t)

	_, err := New(nil, l, tinyConfig(t.TempDir()))
	assert.Error(t, err)

	_, err = New(m, nil, tinyConfig(t.TempDir()))
	assert.Error(t, err)

	cfg := tinyConfig(t.TempDir())
	cfg.Epochs = 0
	_, err = New(m, l, cfg)
	assert.Error(t, err)
}

func TestTrainerRun(t *testing.T) {
	dir := t.TempDir()
	m := testModel(t)
	tr, err := New(m, testLoader(t), tinyConfig(dir))
	require.NoError(t, err)

	_, err = uuid.Parse(tr.RunID())
	require.NoError(t, err)

	require.NoError(t, tr.Run(context.Background()))

	// Final checkpoint is frozen and resumable.
	assert.True(t, m.Frozen())
	restored := testModel(t)
	epoch, err := codec.LoadCheckpoint(filepath.Join(dir, "model.safetensors"), restored)
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)
	assert.True(t, restored.Frozen())

	// One backup per completed epoch in the run directory.
	runDir := filepath.Join(dir, "run-"+tr.RunID())
	assert.True(t, testutil.FileExists(filepath.Join(runDir, "epoch_0001.safetensors")))
	assert.True(t, testutil.FileExists(filepath.Join(runDir, "epoch_0002.safetensors")))
}

func TestTrainerResume(t *testing.T) {
	dir := t.TempDir()
	m := testModel(t)
	tr, err := New(m, testLoader(t), tinyConfig(dir))
	require.NoError(t, err)
	tr.WithStartEpoch(1)

	require.NoError(t, tr.Run(context.Background()))

	// Only the remaining epoch was trained and backed up.
	runDir := filepath.Join(dir, "run-"+tr.RunID())
	assert.False(t, testutil.FileExists(filepath.Join(runDir, "epoch_0001.safetensors")))
	assert.True(t, testutil.FileExists(filepath.Join(runDir, "epoch_0002.safetensors")))
}

func TestTrainerStopsOnNonFiniteLoss(t *testing.T) {
	m := testModel(t)
	tr, err := New(m, testLoader(t), tinyConfig(t.TempDir()))
	require.NoError(t, err)

	// A poisoned weight turns every forward pass non-finite.
	m.Params()[0].Data[0] = float32(math.NaN())

	err = tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
}

func TestTrainerCancelledContext(t *testing.T) {
	tr, err := New(testModel(t), testLoader(t), tinyConfig(t.TempDir()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
}

func TestValidationBatchesCached(t *testing.T) {
	tr, err := New(testModel(t), testLoader(t), tinyConfig(t.TempDir()))
	require.NoError(t, err)

	first, err := tr.validationBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := tr.validationBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// With a constant gradient the bias-corrected first step is the
	// learning rate times the gradient sign, whatever its magnitude.
	for _, g := range []float32{1, 5, -3} {
		p := nn.NewParam(1)
		p.Data[0] = 1
		p.Grad[0] = g

		a := NewAdam([]*nn.Param{p}, 0.01)
		a.Step()

		want := 1.0 - 0.01*math.Copysign(1, float64(g))
		assert.InDelta(t, want, float64(p.Data[0]), 1e-6)
		assert.Equal(t, 1, a.StepCount())
	}
}

func TestAdamZeroGradientLeavesParams(t *testing.T) {
	p := nn.NewParam(3)
	copy(p.Data, []float32{1, -2, 0.5})

	a := NewAdam([]*nn.Param{p}, 0.1)
	a.Step()

	assert.Equal(t, []float32{1, -2, 0.5}, p.Data)
}

func TestAdamSetLearningRate(t *testing.T) {
	a := NewAdam(nil, 1e-4)
	assert.InDelta(t, 1e-4, a.LearningRate(), 1e-12)
	a.SetLearningRate(1e-5)
	assert.InDelta(t, 1e-5, a.LearningRate(), 1e-12)
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimize (x-3)^2 by hand-fed gradients.
	p := nn.NewParam(1)
	p.Data[0] = 0

	a := NewAdam([]*nn.Param{p}, 0.1)
	for range 1000 {
		p.Grad[0] = 2 * (p.Data[0] - 3)
		a.Step()
	}
	assert.InDelta(t, 3.0, float64(p.Data[0]), 0.1)
}
