package codec

import "github.com/MeKo-Tech/charm/internal/tensor"

// Backward runs the reverse pass of the last training-mode Forward,
// accumulating parameter gradients everywhere. Quantization steps pass
// value gradients through unchanged and send none to the predicted means;
// slice gradients flow strictly to earlier slices, mirroring the causal
// forward order.
func (m *Model) Backward() error {
	if m.cache == nil {
		return errNoForward
	}
	c := m.cache
	rateScale := m.cfg.Lambda / float64(c.x.N)

	// Distortion: d MSE / d xHat.
	gXHat := tensor.ZerosLike(c.xHat)
	f := 2.0 / float64(len(c.x.Data))
	for i := range gXHat.Data {
		gXHat.Data[i] = float32(f * float64(c.xHat.Data[i]-c.x.Data[i]))
	}
	gYHat := m.synthesis.Backward(gXHat.PadSpatial(c.synthH, c.synthW))

	d := m.sliceDepth
	numSlices := m.cfg.NumSlices

	// Per-slice gradient buckets on the quantized slices. Later slices add
	// their support contributions before the bucket's own slice is visited.
	gBuckets := make([]*tensor.Tensor, numSlices)
	for i := 0; i < numSlices; i++ {
		b, err := gYHat.ChannelRange(i*d, (i+1)*d)
		if err != nil {
			return err
		}
		gBuckets[i] = b
	}

	gY := tensor.New(gYHat.N, gYHat.H, gYHat.W, m.cfg.LatentDepth)
	gCtx := tensor.New(gYHat.N, gYHat.H, gYHat.W, 2*m.cfg.LatentDepth)

	for i := numSlices - 1; i >= 0; i-- {
		dY, dMu, dIdx := m.emY.RateBackwardAt(c.noisyY[i], c.mus[i], c.sigmaIdx[i], rateScale)

		// The bucket reaches the continuous slice values unchanged through
		// the rounding; the mean receives only the rate gradient.
		if err := dY.AddInPlace(gBuckets[i]); err != nil {
			return err
		}
		if err := gY.AddChannelRange(i*d, dY); err != nil {
			return err
		}

		gMuIn := m.meanNets[i].Backward(dMu)
		gMuCtx, err := gMuIn.ChannelRange(0, d)
		if err != nil {
			return err
		}
		if err := gCtx.AddChannelRange(i*d, gMuCtx); err != nil {
			return err
		}
		if err := m.scatterSupport(gMuIn, gBuckets, i); err != nil {
			return err
		}

		gIdxIn := m.scaleNets[i].Backward(dIdx)
		gSigmaCtx, err := gIdxIn.ChannelRange(0, d)
		if err != nil {
			return err
		}
		if err := gCtx.AddChannelRange(m.cfg.LatentDepth+i*d, gSigmaCtx); err != nil {
			return err
		}
		if err := m.scatterSupport(gIdxIn, gBuckets, i); err != nil {
			return err
		}
	}

	gZHat := m.hyperSynthesis.Backward(gCtx.PadSpatial(c.ctxH, c.ctxW))

	gZ := m.emZ.RateBackwardAt(c.noisyZ, rateScale)
	if err := gZ.AddInPlace(gZHat); err != nil {
		return err
	}

	gYHyper := m.hyperAnalysis.Backward(gZ)
	if err := gY.AddInPlace(gYHyper); err != nil {
		return err
	}

	m.analysis.Backward(gY)
	m.cache = nil
	return nil
}

// scatterSupport routes a predictor's input gradient beyond the context
// channels back onto the support slices it was conditioned on.
func (m *Model) scatterSupport(gIn *tensor.Tensor, gBuckets []*tensor.Tensor, i int) error {
	k := min(i, m.cfg.MaxSupportSlices)
	for s := 0; s < k; s++ {
		part, err := gIn.ChannelRange((1+s)*m.sliceDepth, (2+s)*m.sliceDepth)
		if err != nil {
			return err
		}
		if err := gBuckets[i-k+s].AddInPlace(part); err != nil {
			return err
		}
	}
	return nil
}
