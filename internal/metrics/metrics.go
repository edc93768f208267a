// Package metrics implements the image quality measures used to evaluate
// reconstructions: PSNR and multi-scale SSIM, both over the [0, 255]
// domain.
package metrics

import (
	"fmt"
	"math"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

const (
	peakValue = 255.0

	// SSIM stabilizers, (K*L)^2 with K1=0.01, K2=0.03.
	ssimC1 = (0.01 * peakValue) * (0.01 * peakValue)
	ssimC2 = (0.03 * peakValue) * (0.03 * peakValue)

	windowSize  = 11
	windowSigma = 1.5
)

// msssimWeights are the per-scale exponents from Wang, Simoncelli & Bovik,
// "Multiscale structural similarity for image quality assessment".
var msssimWeights = []float64{0.0448, 0.2856, 0.3001, 0.2363, 0.1333}

// minMSSSIMSize is the smallest input edge for which every dyadic scale
// still fits the filter window.
const minMSSSIMSize = windowSize << 4

// MSE returns the mean squared error between two equally shaped tensors.
func MSE(a, b *tensor.Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("mismatched shapes: %s vs %s", a.ShapeString(), b.ShapeString())
	}
	var sum float64
	for i := range a.Data {
		d := float64(a.Data[i]) - float64(b.Data[i])
		sum += d * d
	}
	return sum / float64(len(a.Data)), nil
}

// PSNR returns the peak signal-to-noise ratio in dB. Identical inputs
// yield +Inf.
func PSNR(a, b *tensor.Tensor) (float64, error) {
	mse, err := MSE(a, b)
	if err != nil {
		return 0, err
	}
	return PSNRFromMSE(mse), nil
}

// PSNRFromMSE converts a [0, 255] domain mean squared error to dB.
func PSNRFromMSE(mse float64) float64 {
	if mse <= 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(peakValue*peakValue/mse)
}

// Decibels maps a similarity in [0, 1] to the logarithmic scale
// -10*log10(1-v) commonly used to report MS-SSIM.
func Decibels(v float64) float64 {
	if v >= 1 {
		return math.Inf(1)
	}
	return -10 * math.Log10(1-v)
}

// SSIM returns the mean structural similarity over all image planes,
// computed with an 11x11 Gaussian window on valid pixels only.
func SSIM(a, b *tensor.Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("mismatched shapes: %s vs %s", a.ShapeString(), b.ShapeString())
	}
	if a.H < windowSize || a.W < windowSize {
		return 0, fmt.Errorf("image %dx%d smaller than the %d pixel window", a.H, a.W, windowSize)
	}

	var sum, count float64
	forEachPlanePair(a, b, func(pa, pb *plane) {
		s, _ := ssimPlane(pa, pb)
		sum += s
		count++
	})
	return sum / count, nil
}

// MSSSIM returns the five-scale multi-scale SSIM. Inputs must be at least
// 176 pixels on each edge so the coarsest scale still covers the window.
func MSSSIM(a, b *tensor.Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("mismatched shapes: %s vs %s", a.ShapeString(), b.ShapeString())
	}
	if a.H < minMSSSIMSize || a.W < minMSSSIMSize {
		return 0, fmt.Errorf("image %dx%d too small for %d scales, need %d pixels per edge",
			a.H, a.W, len(msssimWeights), minMSSSIMSize)
	}

	result := 1.0
	var planesA, planesB []*plane
	forEachPlanePair(a, b, func(pa, pb *plane) {
		planesA = append(planesA, pa)
		planesB = append(planesB, pb)
	})

	for scale, weight := range msssimWeights {
		last := scale == len(msssimWeights)-1

		var acc, count float64
		for i := range planesA {
			s, c := ssimPlane(planesA[i], planesB[i])
			if last {
				acc += s
			} else {
				acc += c
			}
			count++
		}
		mean := acc / count
		if mean < 0 {
			mean = 0
		}
		result *= math.Pow(mean, weight)

		if !last {
			for i := range planesA {
				planesA[i] = planesA[i].downsample()
				planesB[i] = planesB[i].downsample()
			}
		}
	}
	return result, nil
}

// plane is one channel of one batch element as float64 pixels.
type plane struct {
	h, w int
	pix  []float64
}

func forEachPlanePair(a, b *tensor.Tensor, fn func(pa, pb *plane)) {
	for n := 0; n < a.N; n++ {
		for c := 0; c < a.C; c++ {
			fn(extractPlane(a, n, c), extractPlane(b, n, c))
		}
	}
}

func extractPlane(t *tensor.Tensor, n, c int) *plane {
	p := &plane{h: t.H, w: t.W, pix: make([]float64, t.H*t.W)}
	for h := 0; h < t.H; h++ {
		for w := 0; w < t.W; w++ {
			p.pix[h*p.w+w] = float64(t.At(n, h, w, c))
		}
	}
	return p
}

// downsample halves both edges by averaging 2x2 blocks, dropping a
// trailing odd row or column.
func (p *plane) downsample() *plane {
	oh, ow := p.h/2, p.w/2
	out := &plane{h: oh, w: ow, pix: make([]float64, oh*ow)}
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			i := 2 * (y*p.w + x)
			out.pix[y*ow+x] = (p.pix[i] + p.pix[i+1] + p.pix[i+p.w] + p.pix[i+p.w+1]) / 4
		}
	}
	return out
}

// gaussianWindow is the normalized 1D half of the separable filter.
var gaussianWindow = func() []float64 {
	w := make([]float64, windowSize)
	var sum float64
	for i := range w {
		d := float64(i - windowSize/2)
		w[i] = math.Exp(-d * d / (2 * windowSigma * windowSigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}()

// filterValid applies the separable Gaussian window without padding,
// shrinking each edge by windowSize-1.
func (p *plane) filterValid() *plane {
	// Rows first.
	rw := p.w - windowSize + 1
	rows := make([]float64, p.h*rw)
	for y := 0; y < p.h; y++ {
		for x := 0; x < rw; x++ {
			var acc float64
			base := y*p.w + x
			for k, g := range gaussianWindow {
				acc += g * p.pix[base+k]
			}
			rows[y*rw+x] = acc
		}
	}
	// Then columns.
	oh := p.h - windowSize + 1
	out := &plane{h: oh, w: rw, pix: make([]float64, oh*rw)}
	for y := 0; y < oh; y++ {
		for x := 0; x < rw; x++ {
			var acc float64
			for k, g := range gaussianWindow {
				acc += g * rows[(y+k)*rw+x]
			}
			out.pix[y*rw+x] = acc
		}
	}
	return out
}

func mulPlanes(a, b *plane) *plane {
	out := &plane{h: a.h, w: a.w, pix: make([]float64, len(a.pix))}
	for i := range out.pix {
		out.pix[i] = a.pix[i] * b.pix[i]
	}
	return out
}

// ssimPlane returns the mean similarity (the per-pixel product of the
// luminance and contrast-structure terms) and the mean contrast-structure
// term alone for one plane pair.
func ssimPlane(a, b *plane) (ssim, cs float64) {
	muA := a.filterValid()
	muB := b.filterValid()
	eAA := mulPlanes(a, a).filterValid()
	eBB := mulPlanes(b, b).filterValid()
	eAB := mulPlanes(a, b).filterValid()

	var ssimSum, csSum float64
	for i := range muA.pix {
		ma, mb := muA.pix[i], muB.pix[i]
		va := eAA.pix[i] - ma*ma
		vb := eBB.pix[i] - mb*mb
		cov := eAB.pix[i] - ma*mb

		lum := (2*ma*mb + ssimC1) / (ma*ma + mb*mb + ssimC1)
		c := (2*cov + ssimC2) / (va + vb + ssimC2)
		ssimSum += lum * c
		csSum += c
	}
	n := float64(len(muA.pix))
	return ssimSum / n, csSum / n
}
