// Package transform defines the five network architectures of the codec:
// the image analysis/synthesis pair, the hyper analysis/synthesis pair, and
// the per-slice parameter predictors. Architecture follows Minnen & Singh,
// "Channel-wise autoregressive entropy models for learned image
// compression" (ICIP 2020).
package transform

import (
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/nn"
)

// Hidden widths of the slice parameter predictors.
const (
	sliceHidden0 = 224
	sliceHidden1 = 128
)

// Analysis maps an image (N, H, W, 3) with values in [0, 255] to the latent
// y at 1/16 spatial resolution and latentDepth channels.
type Analysis struct {
	*nn.Sequential
}

// NewAnalysis constructs the analysis transform.
func NewAnalysis(latentDepth int, rng *rand.Rand) *Analysis {
	return &Analysis{nn.NewSequential(
		nn.NewScale(1.0/255),
		nn.NewConv2D(3, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, false),
		nn.NewConv2D(latentDepth, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, false),
		nn.NewConv2D(latentDepth, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, false),
		nn.NewConv2D(latentDepth, latentDepth, 5, 2, true, rng),
	)}
}

// Synthesis maps a decoded latent back to image space, 16x upsampled, with
// values nominally in [0, 255].
type Synthesis struct {
	*nn.Sequential
}

// NewSynthesis constructs the synthesis transform.
func NewSynthesis(latentDepth int, rng *rand.Rand) *Synthesis {
	return &Synthesis{nn.NewSequential(
		nn.NewConvTranspose2D(latentDepth, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, true),
		nn.NewConvTranspose2D(latentDepth, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, true),
		nn.NewConvTranspose2D(latentDepth, latentDepth, 5, 2, true, rng),
		nn.NewGDN(latentDepth, true),
		nn.NewConvTranspose2D(latentDepth, 3, 5, 2, true, rng),
		nn.NewScale(255),
	)}
}

// HyperAnalysis maps the latent to the hyperprior z at a further 1/4 of the
// latent resolution. The small-hyperprior variant: one stride-1 layer, two
// stride-2 layers, final layer without bias.
type HyperAnalysis struct {
	*nn.Sequential
}

// NewHyperAnalysis constructs the hyper analysis transform.
func NewHyperAnalysis(latentDepth, hyperpriorDepth int, rng *rand.Rand) *HyperAnalysis {
	return &HyperAnalysis{nn.NewSequential(
		nn.NewConv2D(latentDepth, hyperpriorDepth, 3, 1, true, rng),
		nn.NewReLU(),
		nn.NewConv2D(hyperpriorDepth, hyperpriorDepth, 5, 2, true, rng),
		nn.NewReLU(),
		nn.NewConv2D(hyperpriorDepth, hyperpriorDepth, 5, 2, false, rng),
	)}
}

// HyperSynthesis maps the decoded hyperprior to the concatenated mean and
// scale context, 2*latentDepth channels at latent resolution. The output is
// still latent (it feeds the slice predictors, it does not hold means or
// scales directly), hence the ReLU on the final layer.
type HyperSynthesis struct {
	*nn.Sequential
}

// NewHyperSynthesis constructs the hyper synthesis transform.
func NewHyperSynthesis(hyperpriorDepth, latentDepth int, rng *rand.Rand) *HyperSynthesis {
	return &HyperSynthesis{nn.NewSequential(
		nn.NewConvTranspose2D(hyperpriorDepth, hyperpriorDepth, 5, 2, true, rng),
		nn.NewReLU(),
		nn.NewConvTranspose2D(hyperpriorDepth, hyperpriorDepth, 5, 2, true, rng),
		nn.NewReLU(),
		nn.NewConvTranspose2D(hyperpriorDepth, 2*latentDepth, 3, 1, true, rng),
		nn.NewReLU(),
	)}
}

// SliceTransform predicts one per-slice parameter tensor (a mean or a scale
// index) from the slice's hyper context concatenated with its support
// slices. Every slice owns two independent instances, one for each
// parameter.
type SliceTransform struct {
	*nn.Sequential
}

// NewSliceTransform constructs a slice predictor. inChannels depends on the
// slice position: sliceDepth * (1 + number of support slices).
func NewSliceTransform(inChannels, sliceDepth int, rng *rand.Rand) *SliceTransform {
	return &SliceTransform{nn.NewSequential(
		nn.NewConv2D(inChannels, sliceHidden0, 5, 1, true, rng),
		nn.NewReLU(),
		nn.NewConv2D(sliceHidden0, sliceHidden1, 5, 1, true, rng),
		nn.NewReLU(),
		nn.NewConv2D(sliceHidden1, sliceDepth, 3, 1, true, rng),
	)}
}
