package codec

import (
	"fmt"
	"math"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// Compressed is one coded image: the shape metadata the decoder needs, the
// hyperprior stream, and one stream per latent slice in coding order.
type Compressed struct {
	XHeight, XWidth int
	YHeight, YWidth int
	ZHeight, ZWidth int

	ZStream      []byte
	SliceStreams [][]byte
}

// Compress codes a single image with values in [0, 255] into a Compressed.
// Each slice is decoded again right after it is encoded, so the predictors
// for later slices condition on exactly the values the decoder will see.
func (m *Model) Compress(x *tensor.Tensor) (*Compressed, error) {
	if !m.Frozen() {
		return nil, ErrNotFrozen
	}
	if x.N != 1 {
		return nil, fmt.Errorf("compress expects a single image, got batch of %d", x.N)
	}
	if x.C != 3 {
		return nil, fmt.Errorf("expected 3 input channels, got %d", x.C)
	}

	y := m.analysis.Forward(x, false)
	z := m.hyperAnalysis.Forward(y, false)

	zStream, err := m.emZ.Compress(z)
	if err != nil {
		return nil, fmt.Errorf("hyperprior: %w", err)
	}
	zHat, err := m.emZ.Decompress(zStream, z.H, z.W)
	if err != nil {
		return nil, fmt.Errorf("hyperprior: %w", err)
	}

	ctx := m.hyperSynthesis.Forward(zHat, false).CropSpatial(y.H, y.W)

	ySlices, err := y.SplitChannels(m.cfg.NumSlices)
	if err != nil {
		return nil, err
	}

	streams := make([][]byte, m.cfg.NumSlices)
	yHatSlices := make([]*tensor.Tensor, m.cfg.NumSlices)
	for i := range ySlices {
		muIn, sigmaIn, err := m.sliceInputs(ctx, yHatSlices, i)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		mu := m.meanNets[i].Forward(muIn, false)
		idx := m.scaleNets[i].Forward(sigmaIn, false)

		streams[i], err = m.emY.Compress(ySlices[i], mu, idx)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		yHatSlices[i], err = m.emY.Decompress(streams[i], mu, idx)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
	}

	return &Compressed{
		XHeight: x.H, XWidth: x.W,
		YHeight: y.H, YWidth: y.W,
		ZHeight: z.H, ZWidth: z.W,
		ZStream:      zStream,
		SliceStreams: streams,
	}, nil
}

// Latents decodes the quantized latent tensor for a Compressed without
// running the synthesis transform, exposing what the encoder actually
// wrote, for example to render per-location energy maps.
func (m *Model) Latents(c *Compressed) (*tensor.Tensor, error) {
	return m.decodeLatents(c)
}

func (m *Model) decodeLatents(c *Compressed) (*tensor.Tensor, error) {
	if !m.Frozen() {
		return nil, ErrNotFrozen
	}
	if len(c.SliceStreams) != m.cfg.NumSlices {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSliceCount, len(c.SliceStreams), m.cfg.NumSlices)
	}
	if c.XHeight <= 0 || c.XWidth <= 0 || c.YHeight <= 0 || c.YWidth <= 0 || c.ZHeight <= 0 || c.ZWidth <= 0 {
		return nil, fmt.Errorf("invalid shape metadata %dx%d / %dx%d / %dx%d",
			c.XHeight, c.XWidth, c.YHeight, c.YWidth, c.ZHeight, c.ZWidth)
	}

	zHat, err := m.emZ.Decompress(c.ZStream, c.ZHeight, c.ZWidth)
	if err != nil {
		return nil, fmt.Errorf("hyperprior: %w", err)
	}
	ctx := m.hyperSynthesis.Forward(zHat, false).CropSpatial(c.YHeight, c.YWidth)

	yHatSlices := make([]*tensor.Tensor, m.cfg.NumSlices)
	for i := 0; i < m.cfg.NumSlices; i++ {
		muIn, sigmaIn, err := m.sliceInputs(ctx, yHatSlices, i)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		mu := m.meanNets[i].Forward(muIn, false)
		idx := m.scaleNets[i].Forward(sigmaIn, false)

		yHatSlices[i], err = m.emY.Decompress(c.SliceStreams[i], mu, idx)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
	}
	return tensor.ConcatChannels(yHatSlices...)
}

// Decompress reconstructs the image for a Compressed, reproducing the
// encoder's prediction sequence slice by slice. Output values are rounded
// and clamped to [0, 255].
func (m *Model) Decompress(c *Compressed) (*tensor.Tensor, error) {
	yHat, err := m.decodeLatents(c)
	if err != nil {
		return nil, err
	}
	xHat := m.synthesis.Forward(yHat, false).CropSpatial(c.XHeight, c.XWidth)
	for i, v := range xHat.Data {
		r := math.Round(float64(v))
		if r < 0 {
			r = 0
		} else if r > 255 {
			r = 255
		}
		xHat.Data[i] = float32(r)
	}
	return xHat, nil
}
