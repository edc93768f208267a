// Package codec assembles the transforms and entropy models into the
// complete compression model: the rate-distortion training objective with
// its analytic backward pass, table freezing, and exact single-image
// compression and decompression with a channel-wise autoregressive latent.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/entropy"
	"github.com/MeKo-Tech/charm/internal/nn"
	"github.com/MeKo-Tech/charm/internal/tensor"
	"github.com/MeKo-Tech/charm/internal/transform"
)

// ErrNotFrozen is returned by Compress and Decompress before Freeze (or a
// frozen checkpoint restore) has built the coding tables.
var ErrNotFrozen = entropy.ErrNotFrozen

// ErrSliceCount is returned by Decompress when the bitstream does not
// carry exactly one stream per latent slice.
var ErrSliceCount = errors.New("wrong number of slice streams")

var errNoForward = errors.New("backward requires a preceding training-mode forward pass")

// Config holds the model architecture and training objective parameters.
type Config struct {
	LatentDepth      int     // Channels of the latent tensor y (default: 320)
	HyperpriorDepth  int     // Channels of the hyperprior tensor z (default: 192)
	NumSlices        int     // Channel slices coded autoregressively (default: 10)
	MaxSupportSlices int     // Most recent decoded slices a predictor sees (default: 5)
	NumScales        int     // Entries in the scale table (default: 64)
	ScaleMin         float64 // Smallest codable standard deviation (default: 0.11)
	ScaleMax         float64 // Largest codable standard deviation (default: 256)
	Lambda           float64 // Rate weight in the training loss (default: 0.01)
	Seed             int64   // Parameter init and training noise seed
}

// DefaultConfig returns the reference architecture.
func DefaultConfig() Config {
	return Config{
		LatentDepth:      320,
		HyperpriorDepth:  192,
		NumSlices:        10,
		MaxSupportSlices: 5,
		NumScales:        64,
		ScaleMin:         0.11,
		ScaleMax:         256,
		Lambda:           0.01,
		Seed:             1,
	}
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	if c.LatentDepth <= 0 {
		return fmt.Errorf("latent depth must be positive, got %d", c.LatentDepth)
	}
	if c.HyperpriorDepth <= 0 {
		return fmt.Errorf("hyperprior depth must be positive, got %d", c.HyperpriorDepth)
	}
	if c.NumSlices <= 0 {
		return fmt.Errorf("num slices must be positive, got %d", c.NumSlices)
	}
	if c.LatentDepth%c.NumSlices != 0 {
		return fmt.Errorf("latent depth %d is not divisible into %d slices", c.LatentDepth, c.NumSlices)
	}
	if c.MaxSupportSlices < 0 {
		return fmt.Errorf("max support slices must not be negative, got %d", c.MaxSupportSlices)
	}
	if c.NumScales < 2 {
		return fmt.Errorf("need at least 2 scales, got %d", c.NumScales)
	}
	if c.ScaleMin <= 0 || c.ScaleMax <= c.ScaleMin {
		return fmt.Errorf("invalid scale range [%g, %g]", c.ScaleMin, c.ScaleMax)
	}
	if c.Lambda <= 0 {
		return fmt.Errorf("lambda must be positive, got %g", c.Lambda)
	}
	return nil
}

// Model is the full learned codec. Training entry points (Forward with
// training=true, Backward) are single-goroutine; a frozen model's Compress
// and Decompress are safe to call concurrently since inference touches no
// shared mutable state.
type Model struct {
	cfg        Config
	sliceDepth int

	analysis       *transform.Analysis
	synthesis      *transform.Synthesis
	hyperAnalysis  *transform.HyperAnalysis
	hyperSynthesis *transform.HyperSynthesis
	meanNets       []*transform.SliceTransform
	scaleNets      []*transform.SliceTransform

	emZ *entropy.BatchedModel
	emY *entropy.IndexedModel

	cache *forwardCache
}

// forwardCache keeps the intermediate tensors Backward needs from the last
// training-mode Forward.
type forwardCache struct {
	x      *tensor.Tensor
	xHat   *tensor.Tensor
	noisyZ *tensor.Tensor

	noisyY   []*tensor.Tensor
	mus      []*tensor.Tensor
	sigmaIdx []*tensor.Tensor

	ctxH, ctxW     int // hyper context dims before cropping to the latent
	synthH, synthW int // synthesis output dims before cropping to the input
}

// Result is the outcome of one forward pass.
type Result struct {
	Reconstruction *tensor.Tensor
	Loss           float64 // MSE + lambda * Bits
	MSE            float64 // mean squared error in the [0, 255] domain
	Bits           float64 // batch-mean total bits, hyperprior plus slices
	BPP            float64 // Bits per input pixel
}

// New builds a model with freshly initialized parameters. The same seed
// reproduces the same parameters.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("Initializing codec model",
		"latent_depth", cfg.LatentDepth,
		"hyperprior_depth", cfg.HyperpriorDepth,
		"num_slices", cfg.NumSlices,
		"max_support_slices", cfg.MaxSupportSlices,
		"num_scales", cfg.NumScales,
		"lambda", cfg.Lambda)

	rng := rand.New(rand.NewSource(cfg.Seed))
	sliceDepth := cfg.LatentDepth / cfg.NumSlices

	m := &Model{
		cfg:            cfg,
		sliceDepth:     sliceDepth,
		analysis:       transform.NewAnalysis(cfg.LatentDepth, rng),
		synthesis:      transform.NewSynthesis(cfg.LatentDepth, rng),
		hyperAnalysis:  transform.NewHyperAnalysis(cfg.LatentDepth, cfg.HyperpriorDepth, rng),
		hyperSynthesis: transform.NewHyperSynthesis(cfg.HyperpriorDepth, cfg.LatentDepth, rng),
		meanNets:       make([]*transform.SliceTransform, cfg.NumSlices),
		scaleNets:      make([]*transform.SliceTransform, cfg.NumSlices),
	}
	for i := 0; i < cfg.NumSlices; i++ {
		in := sliceDepth * (1 + min(i, cfg.MaxSupportSlices))
		m.meanNets[i] = transform.NewSliceTransform(in, sliceDepth, rng)
		m.scaleNets[i] = transform.NewSliceTransform(in, sliceDepth, rng)
	}

	scales, err := entropy.NewScaleTable(cfg.ScaleMin, cfg.ScaleMax, cfg.NumScales)
	if err != nil {
		return nil, err
	}
	m.emZ = entropy.NewBatchedModel(entropy.NewDeepFactorized(cfg.HyperpriorDepth, rng), rng)
	m.emY = entropy.NewIndexedModel(scales, rng)
	return m, nil
}

// Config returns the configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Params returns every trainable parameter in a stable order.
func (m *Model) Params() []*nn.Param {
	var params []*nn.Param
	params = append(params, m.analysis.Params()...)
	params = append(params, m.synthesis.Params()...)
	params = append(params, m.hyperAnalysis.Params()...)
	params = append(params, m.hyperSynthesis.Params()...)
	for i := range m.meanNets {
		params = append(params, m.meanNets[i].Params()...)
		params = append(params, m.scaleNets[i].Params()...)
	}
	params = append(params, m.emZ.Params()...)
	return params
}

// ZeroGrads clears every parameter's gradient accumulator.
func (m *Model) ZeroGrads() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// Frozen reports whether both entropy models carry coding tables.
func (m *Model) Frozen() bool {
	return m.emZ.Frozen() && m.emY.Frozen()
}

// Freeze snapshots both entropy models into integer coding tables,
// enabling Compress and Decompress.
func (m *Model) Freeze() {
	m.emZ.Freeze()
	m.emY.Freeze()
	slog.Debug("Entropy models frozen",
		"hyperprior_tables", m.cfg.HyperpriorDepth,
		"scale_tables", m.cfg.NumScales)
}

// supportWindow returns the previously decoded slices conditioning slice i:
// the most recent MaxSupportSlices of them, all for early slices.
func (m *Model) supportWindow(yHatSlices []*tensor.Tensor, i int) []*tensor.Tensor {
	k := min(i, m.cfg.MaxSupportSlices)
	return yHatSlices[i-k : i]
}

// sliceInputs assembles the predictor inputs for slice i: the slice's
// aligned sub-range of the mean (or scale) half of the hyper context,
// concatenated with the support slices.
func (m *Model) sliceInputs(ctx *tensor.Tensor, yHatSlices []*tensor.Tensor, i int) (muIn, sigmaIn *tensor.Tensor, err error) {
	d := m.sliceDepth
	muCtx, err := ctx.ChannelRange(i*d, (i+1)*d)
	if err != nil {
		return nil, nil, err
	}
	sigmaCtx, err := ctx.ChannelRange(m.cfg.LatentDepth+i*d, m.cfg.LatentDepth+(i+1)*d)
	if err != nil {
		return nil, nil, err
	}

	support := m.supportWindow(yHatSlices, i)
	muIn, err = tensor.ConcatChannels(append([]*tensor.Tensor{muCtx}, support...)...)
	if err != nil {
		return nil, nil, err
	}
	sigmaIn, err = tensor.ConcatChannels(append([]*tensor.Tensor{sigmaCtx}, support...)...)
	if err != nil {
		return nil, nil, err
	}
	return muIn, sigmaIn, nil
}

// Forward runs the rate-distortion objective on a batch of images with
// values in [0, 255]. With training=true, rates are estimated under the
// uniform-noise relaxation and intermediates are cached for Backward; with
// training=false everything is evaluated at the quantized values.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*Result, error) {
	if x.C != 3 {
		return nil, fmt.Errorf("expected 3 input channels, got %d", x.C)
	}

	y := m.analysis.Forward(x, training)
	z := m.hyperAnalysis.Forward(y, training)

	noisyZ, zBits := m.emZ.EstimateRate(z, training)
	zHat := m.emZ.Quantize(z)

	ctx := m.hyperSynthesis.Forward(zHat, training)
	ctxH, ctxW := ctx.H, ctx.W
	ctx = ctx.CropSpatial(y.H, y.W)

	ySlices, err := y.SplitChannels(m.cfg.NumSlices)
	if err != nil {
		return nil, err
	}

	totalBits := make([]float64, x.N)
	copy(totalBits, zBits)

	yHatSlices := make([]*tensor.Tensor, m.cfg.NumSlices)
	var noisyY, mus, sigmaIdx []*tensor.Tensor
	for i := range ySlices {
		muIn, sigmaIn, err := m.sliceInputs(ctx, yHatSlices, i)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		mu := m.meanNets[i].Forward(muIn, training)
		idx := m.scaleNets[i].Forward(sigmaIn, training)

		noisy, bits, err := m.emY.EstimateRate(ySlices[i], mu, idx, training)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		for n := range totalBits {
			totalBits[n] += bits[n]
		}

		yHatSlices[i], err = m.emY.Quantize(ySlices[i], mu)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}

		if training {
			noisyY = append(noisyY, noisy)
			mus = append(mus, mu)
			sigmaIdx = append(sigmaIdx, idx)
		}
	}

	yHat, err := tensor.ConcatChannels(yHatSlices...)
	if err != nil {
		return nil, err
	}
	synth := m.synthesis.Forward(yHat, training)
	synthH, synthW := synth.H, synth.W
	xHat := synth.CropSpatial(x.H, x.W)

	var mse float64
	for i := range x.Data {
		d := float64(xHat.Data[i] - x.Data[i])
		mse += d * d
	}
	mse /= float64(len(x.Data))

	var bits float64
	for _, b := range totalBits {
		bits += b
	}
	bits /= float64(x.N)

	if training {
		m.cache = &forwardCache{
			x:        x,
			xHat:     xHat,
			noisyZ:   noisyZ,
			noisyY:   noisyY,
			mus:      mus,
			sigmaIdx: sigmaIdx,
			ctxH:     ctxH,
			ctxW:     ctxW,
			synthH:   synthH,
			synthW:   synthW,
		}
	} else {
		m.cache = nil
	}

	return &Result{
		Reconstruction: xHat,
		Loss:           mse + m.cfg.Lambda*bits,
		MSE:            mse,
		Bits:           bits,
		BPP:            bits / float64(x.Pixels()),
	}, nil
}
