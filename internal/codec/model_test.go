package codec

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// testConfig returns a small architecture that keeps test forwards fast
// while exercising every structural path: multiple slices, a support
// window narrower than the slice count, cropping on both transform pairs.
func testConfig() Config {
	return Config{
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
}

func newTestModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

// testImage fills an image batch with uniform values in [0, 255].
func testImage(n, h, w int, seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	out := tensor.New(n, h, w, 3)
	for i := range out.Data {
		out.Data[i] = float32(rng.Float64() * 255)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 320, cfg.LatentDepth)
	assert.Equal(t, 192, cfg.HyperpriorDepth)
	assert.Equal(t, 10, cfg.NumSlices)
	assert.Equal(t, 5, cfg.MaxSupportSlices)
	assert.Equal(t, 64, cfg.NumScales)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero latent depth", func(c *Config) { c.LatentDepth = 0 }},
		{"zero hyperprior depth", func(c *Config) { c.HyperpriorDepth = 0 }},
		{"zero slices", func(c *Config) { c.NumSlices = 0 }},
		{"indivisible slices", func(c *Config) { c.NumSlices = 3 }},
		{"negative support", func(c *Config) { c.MaxSupportSlices = -1 }},
		{"single scale", func(c *Config) { c.NumScales = 1 }},
		{"zero scale min", func(c *Config) { c.ScaleMin = 0 }},
		{"inverted scale range", func(c *Config) { c.ScaleMin = 9; c.ScaleMax = 8 }},
		{"zero lambda", func(c *Config) { c.Lambda = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.NumSlices = 3
	_, err := New(cfg)
	require.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(1, 32, 32, 7)

	res, err := m.Forward(x, false)
	require.NoError(t, err)

	require.Equal(t, 1, res.Reconstruction.N)
	require.Equal(t, 32, res.Reconstruction.H)
	require.Equal(t, 32, res.Reconstruction.W)
	require.Equal(t, 3, res.Reconstruction.C)

	assert.False(t, math.IsNaN(res.Loss))
	assert.False(t, math.IsInf(res.Loss, 0))
	assert.Greater(t, res.MSE, 0.0)
	assert.Greater(t, res.Bits, 0.0)
	assert.InDelta(t, res.Bits/float64(32*32), res.BPP, 1e-12)
	assert.InDelta(t, res.MSE+m.Config().Lambda*res.Bits, res.Loss, 1e-9)
}

func TestForwardOddInputSize(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(1, 17, 19, 8)

	res, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, 17, res.Reconstruction.H)
	assert.Equal(t, 19, res.Reconstruction.W)
}

func TestForwardBatch(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(2, 32, 32, 9)

	res, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reconstruction.N)
}

func TestForwardRejectsNonRGB(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := tensor.New(1, 32, 32, 1)

	_, err := m.Forward(x, false)
	require.Error(t, err)
}

func TestForwardEvalDeterministic(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(1, 32, 32, 10)

	a, err := m.Forward(x, false)
	require.NoError(t, err)
	b, err := m.Forward(x, false)
	require.NoError(t, err)

	assert.Equal(t, a.Loss, b.Loss)
	assert.Equal(t, a.Reconstruction.Data, b.Reconstruction.Data)
}

func TestSupportWindow(t *testing.T) {
	cfg := testConfig()
	cfg.NumSlices = 8
	cfg.MaxSupportSlices = 3
	m := newTestModel(t, cfg)

	slices := make([]*tensor.Tensor, 8)
	for i := range slices {
		slices[i] = tensor.New(1, 2, 2, 1)
	}

	assert.Empty(t, m.supportWindow(slices, 0))
	assert.Equal(t, slices[0:2], m.supportWindow(slices, 2))
	assert.Equal(t, slices[0:3], m.supportWindow(slices, 3))
	// Only the most recent three once the window saturates.
	assert.Equal(t, slices[4:7], m.supportWindow(slices, 7))
}

func TestSliceInputChannels(t *testing.T) {
	cfg := testConfig()
	cfg.NumSlices = 4
	cfg.MaxSupportSlices = 2
	m := newTestModel(t, cfg)
	d := cfg.LatentDepth / cfg.NumSlices

	ctx := tensor.New(1, 2, 2, 2*cfg.LatentDepth)
	slices := make([]*tensor.Tensor, 4)
	for i := range slices {
		slices[i] = tensor.New(1, 2, 2, d)
	}

	for i := 0; i < 4; i++ {
		muIn, sigmaIn, err := m.sliceInputs(ctx, slices, i)
		require.NoError(t, err)
		want := d * (1 + min(i, cfg.MaxSupportSlices))
		assert.Equal(t, want, muIn.C, "slice %d", i)
		assert.Equal(t, want, sigmaIn.C, "slice %d", i)
	}
}

func TestFrozenLifecycle(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(1, 32, 32, 11)

	assert.False(t, m.Frozen())
	_, err := m.Compress(x)
	require.ErrorIs(t, err, ErrNotFrozen)
	_, err = m.Decompress(&Compressed{})
	require.ErrorIs(t, err, ErrNotFrozen)

	m.Freeze()
	assert.True(t, m.Frozen())
}

func TestCompressRejectsBatchedInput(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.Freeze()

	_, err := m.Compress(testImage(2, 32, 32, 12))
	require.Error(t, err)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.Freeze()
	x := testImage(1, 32, 32, 13)

	c, err := m.Compress(x)
	require.NoError(t, err)
	assert.Equal(t, 32, c.XHeight)
	assert.Equal(t, 32, c.XWidth)
	assert.Equal(t, 2, c.YHeight)
	assert.Equal(t, 2, c.YWidth)
	assert.Equal(t, 1, c.ZHeight)
	assert.Equal(t, 1, c.ZWidth)
	assert.NotEmpty(t, c.ZStream)
	require.Len(t, c.SliceStreams, 2)
	for i, s := range c.SliceStreams {
		assert.NotEmpty(t, s, "slice %d", i)
	}

	got, err := m.Decompress(c)
	require.NoError(t, err)

	// The decoder must land on exactly the rounded and clamped version of
	// the reconstruction the eval forward pass computes from quantized
	// latents, since both condition every slice on identical decoded values.
	res, err := m.Forward(x, false)
	require.NoError(t, err)
	want := res.Reconstruction
	require.Equal(t, len(want.Data), len(got.Data))
	for i, v := range want.Data {
		r := math.Round(float64(v))
		if r < 0 {
			r = 0
		} else if r > 255 {
			r = 255
		}
		require.Equal(t, float32(r), got.Data[i], "pixel %d", i)
	}
}

func TestLatents(t *testing.T) {
	m := newTestModel(t, testConfig())
	x := testImage(1, 32, 32, 13)

	_, err := m.Latents(&Compressed{})
	assert.ErrorIs(t, err, ErrNotFrozen)

	m.Freeze()
	c, err := m.Compress(x)
	require.NoError(t, err)

	yHat, err := m.Latents(c)
	require.NoError(t, err)
	assert.Equal(t, c.YHeight, yHat.H)
	assert.Equal(t, c.YWidth, yHat.W)
	assert.Equal(t, testConfig().LatentDepth, yHat.C)

	// Decoding the same streams twice lands on identical latents.
	again, err := m.Latents(c)
	require.NoError(t, err)
	assert.Equal(t, yHat.Data, again.Data)
}

func TestCompressDecompressOddSize(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.Freeze()
	x := testImage(1, 17, 19, 14)

	c, err := m.Compress(x)
	require.NoError(t, err)
	assert.Equal(t, 17, c.XHeight)
	assert.Equal(t, 19, c.XWidth)

	got, err := m.Decompress(c)
	require.NoError(t, err)
	assert.Equal(t, 17, got.H)
	assert.Equal(t, 19, got.W)
	for _, v := range got.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(255))
	}
}

// TestCompressDeterministicAcrossModels verifies that two models built from
// the same seed produce byte-identical bitstreams, the property that lets a
// sender and receiver operate from separately restored checkpoints.
func TestCompressDeterministicAcrossModels(t *testing.T) {
	a := newTestModel(t, testConfig())
	b := newTestModel(t, testConfig())
	a.Freeze()
	b.Freeze()
	x := testImage(1, 32, 32, 15)

	ca, err := a.Compress(x)
	require.NoError(t, err)
	cb, err := b.Compress(x)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(ca.ZStream, cb.ZStream))
	require.Len(t, cb.SliceStreams, len(ca.SliceStreams))
	for i := range ca.SliceStreams {
		assert.True(t, bytes.Equal(ca.SliceStreams[i], cb.SliceStreams[i]), "slice %d", i)
	}

	ra, err := a.Decompress(ca)
	require.NoError(t, err)
	rb, err := b.Decompress(ca)
	require.NoError(t, err)
	assert.Equal(t, ra.Data, rb.Data)
}

func TestDecompressSliceCountMismatch(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.Freeze()

	c := &Compressed{
		XHeight: 32, XWidth: 32,
		YHeight: 2, YWidth: 2,
		ZHeight: 1, ZWidth: 1,
		SliceStreams: make([][]byte, 5),
	}
	_, err := m.Decompress(c)
	require.ErrorIs(t, err, ErrSliceCount)
}

func TestDecompressRejectsBadShapes(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.Freeze()

	c := &Compressed{
		XHeight: 0, XWidth: 32,
		YHeight: 2, YWidth: 2,
		ZHeight: 1, ZWidth: 1,
		SliceStreams: make([][]byte, 2),
	}
	_, err := m.Decompress(c)
	require.Error(t, err)
}

func TestParamsStableOrder(t *testing.T) {
	m := newTestModel(t, testConfig())

	a := m.Params()
	b := m.Params()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Same(t, a[i], b[i], "param %d", i)
	}
	assert.NotEmpty(t, a)
}
