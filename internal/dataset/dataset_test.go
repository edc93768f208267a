package dataset

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/charm/internal/tensor"
	"github.com/MeKo-Tech/charm/internal/testutil"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 256, cfg.PatchSize)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 0, cfg.Workers)
	assert.Equal(t, 4, cfg.Prefetch)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero patch size", func(c *Config) { c.PatchSize = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"negative prefetch", func(c *Config) { c.Prefetch = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 2, 24, 24)
	testutil.WriteImageSet(t, filepath.Join(dir, "nested"), 1, 24, 24)

	// Non-image files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	files, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.True(t, sortedStrings(files))
	for _, f := range files {
		assert.Contains(t, f, ".png")
	}
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestDiscoverGlob(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 3, 24, 24)

	// Matched non-image files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	files, err := DiscoverGlob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.True(t, sortedStrings(files))
}

func TestDiscoverGlobBadPattern(t *testing.T) {
	_, err := DiscoverGlob("[")
	assert.Error(t, err)
}

func TestNewLoader(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 4, 24, 24)

	cfg := DefaultConfig()
	cfg.Dir = dir
	l, err := NewLoader(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, l.Len())
	assert.Len(t, l.Paths(), 4)
}

func TestNewLoaderGlobOverridesDir(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 4, 24, 24)

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Glob = filepath.Join(dir, "img_00[01].png")
	l, err := NewLoader(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}

func TestNewLoaderRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.BatchSize = 0
	_, err := NewLoader(cfg)
	assert.Error(t, err)
}

func TestNewLoaderEmptyDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	_, err := NewLoader(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images found")
}

func smallLoader(t *testing.T, imgSize int) *Loader {
	t.Helper()

	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 6, imgSize, imgSize)

	cfg := Config{
		Dir:       dir,
		PatchSize: 16,
		BatchSize: 4,
		Workers:   2,
		Prefetch:  2,
		Seed:      11,
	}
	l, err := NewLoader(cfg)
	require.NoError(t, err)
	return l
}

func TestBatchesShapesAndRange(t *testing.T) {
	l := smallLoader(t, 40)

	out, wait := l.Batches(context.Background(), 3)
	var got []*tensor.Tensor
	for b := range out {
		got = append(got, b)
	}
	require.NoError(t, wait())
	require.Len(t, got, 3)

	for _, b := range got {
		assert.Equal(t, 4, b.N)
		assert.Equal(t, 16, b.H)
		assert.Equal(t, 16, b.W)
		assert.Equal(t, 3, b.C)
		for _, v := range b.Data {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(255))
		}
	}
}

func TestBatchesDeterministicSingleWorker(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 4, 40, 40)

	cfg := Config{Dir: dir, PatchSize: 16, BatchSize: 2, Workers: 1, Prefetch: 1, Seed: 5}

	run := func() [][]float32 {
		l, err := NewLoader(cfg)
		require.NoError(t, err)
		out, wait := l.Batches(context.Background(), 2)
		var data [][]float32
		for b := range out {
			data = append(data, b.Data)
		}
		require.NoError(t, wait())
		return data
	}

	first := run()
	second := run()
	require.Len(t, first, 2)
	// A single worker preserves the feeder's job order, so the whole
	// stream reproduces for a fixed seed.
	assert.Equal(t, first, second)
}

func TestBatchesSeededGivesDistinctStreams(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImageSet(t, dir, 4, 40, 40)

	cfg := Config{Dir: dir, PatchSize: 16, BatchSize: 4, Workers: 1, Prefetch: 1, Seed: 5}
	l, err := NewLoader(cfg)
	require.NoError(t, err)

	collect := func(seed int64) []float32 {
		out, wait := l.BatchesSeeded(context.Background(), 1, seed)
		var data []float32
		for b := range out {
			data = b.Data
		}
		require.NoError(t, wait())
		return data
	}

	assert.Equal(t, collect(5), collect(5))
	assert.NotEqual(t, collect(5), collect(6))
}

func TestBatchesUpscalesSmallImages(t *testing.T) {
	// Source images are smaller than the patch and must be upscaled
	// before cropping.
	l := smallLoader(t, 8)

	out, wait := l.Batches(context.Background(), 1)
	var got []*tensor.Tensor
	for b := range out {
		got = append(got, b)
	}
	require.NoError(t, wait())
	require.Len(t, got, 1)
	assert.Equal(t, 16, got[0].H)
}

func TestBatchesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0o600))

	cfg := Config{Dir: dir, PatchSize: 16, BatchSize: 2, Workers: 1, Prefetch: 1, Seed: 1}
	l, err := NewLoader(cfg)
	require.NoError(t, err)

	out, wait := l.Batches(context.Background(), 1)
	for range out {
	}
	err = wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.png")
}

func TestBatchesContextCancel(t *testing.T) {
	l := smallLoader(t, 40)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, wait := l.Batches(ctx, 100)
	for range out {
	}
	assert.ErrorIs(t, wait(), context.Canceled)
}

func TestRandomCrop(t *testing.T) {
	src := tensor.New(1, 10, 10, 3)
	for i := range src.Data {
		src.Data[i] = float32(i)
	}

	rng := rand.New(rand.NewSource(3))
	crop, err := randomCrop(src, 4, rng)
	require.NoError(t, err)
	assert.Equal(t, 4, crop.H)
	assert.Equal(t, 4, crop.W)

	// Rows of the crop are contiguous runs of the source.
	for y := 0; y < 4; y++ {
		row := crop.Data[y*4*3 : (y+1)*4*3]
		found := false
		for off := 0; off+len(row) <= len(src.Data); off += 3 {
			if equalF32(src.Data[off:off+len(row)], row) {
				found = true
				break
			}
		}
		assert.True(t, found, "crop row %d not found in source", y)
	}
}

func equalF32(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRandomCropTooSmall(t *testing.T) {
	src := tensor.New(1, 8, 8, 3)
	rng := rand.New(rand.NewSource(1))
	_, err := randomCrop(src, 9, rng)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than patch size")
}
