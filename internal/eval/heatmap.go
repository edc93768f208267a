package eval

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// gradientStop anchors a color at a position in [0, 1].
type gradientStop struct {
	col colorful.Color
	pos float64
}

// energyGradient runs from deep blue through teal and amber to near
// white, so busy latent regions stand out against quiet background.
var energyGradient = []gradientStop{
	{colorful.Color{R: 0.05, G: 0.05, B: 0.25}, 0.0},
	{colorful.Color{R: 0.02, G: 0.35, B: 0.63}, 0.25},
	{colorful.Color{R: 0.05, G: 0.71, B: 0.54}, 0.5},
	{colorful.Color{R: 0.94, G: 0.78, B: 0.17}, 0.75},
	{colorful.Color{R: 0.99, G: 0.98, B: 0.89}, 1.0},
}

// gradientAt interpolates the gradient in HCL space, which keeps the
// perceived brightness changing smoothly across stops.
func gradientAt(t float64) colorful.Color {
	for i := 0; i < len(energyGradient)-1; i++ {
		c1, c2 := energyGradient[i], energyGradient[i+1]
		if c1.pos <= t && t <= c2.pos {
			f := (t - c1.pos) / (c2.pos - c1.pos)
			return c1.col.BlendHcl(c2.col, f).Clamped()
		}
	}
	return energyGradient[len(energyGradient)-1].col
}

// EnergyHeatmap renders the per-location mean absolute latent value as a
// color map, upscaled by scale with nearest-neighbor so each latent cell
// stays a crisp block.
func EnergyHeatmap(yHat *tensor.Tensor, scale int) (*image.NRGBA, error) {
	if yHat == nil {
		return nil, fmt.Errorf("latent tensor is nil")
	}
	if yHat.N != 1 {
		return nil, fmt.Errorf("expected a single latent map, got batch of %d", yHat.N)
	}
	if scale <= 0 {
		scale = 1
	}

	energy := make([]float64, yHat.H*yHat.W)
	maxEnergy := 0.0
	for y := 0; y < yHat.H; y++ {
		for x := 0; x < yHat.W; x++ {
			var sum float64
			base := yHat.Index(0, y, x, 0)
			for c := 0; c < yHat.C; c++ {
				sum += math.Abs(float64(yHat.Data[base+c]))
			}
			e := sum / float64(yHat.C)
			energy[y*yHat.W+x] = e
			if e > maxEnergy {
				maxEnergy = e
			}
		}
	}

	small := image.NewNRGBA(image.Rect(0, 0, yHat.W, yHat.H))
	for y := 0; y < yHat.H; y++ {
		for x := 0; x < yHat.W; x++ {
			t := 0.0
			if maxEnergy > 0 {
				t = energy[y*yHat.W+x] / maxEnergy
			}
			r, g, b := gradientAt(t).RGB255()
			small.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	if scale == 1 {
		return small, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, yHat.W*scale, yHat.H*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), small, small.Bounds(), draw.Src, nil)
	return dst, nil
}
