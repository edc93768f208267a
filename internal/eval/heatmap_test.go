package eval

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

func stopColor(t float64) color.NRGBA {
	r, g, b := gradientAt(t).RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func TestEnergyHeatmapColors(t *testing.T) {
	// Cell (0,0) carries all the energy; the rest is silent.
	yHat := tensor.New(1, 2, 2, 2)
	yHat.Data[yHat.Index(0, 0, 0, 0)] = 3
	yHat.Data[yHat.Index(0, 0, 0, 1)] = -3

	img, err := EnergyHeatmap(yHat, 1)
	require.NoError(t, err)
	require.Equal(t, 2, img.Bounds().Dx())
	require.Equal(t, 2, img.Bounds().Dy())

	assert.Equal(t, stopColor(1), img.NRGBAAt(0, 0))
	assert.Equal(t, stopColor(0), img.NRGBAAt(1, 0))
	assert.Equal(t, stopColor(0), img.NRGBAAt(0, 1))
	assert.Equal(t, stopColor(0), img.NRGBAAt(1, 1))
}

func TestEnergyHeatmapAllZero(t *testing.T) {
	yHat := tensor.New(1, 3, 3, 4)

	img, err := EnergyHeatmap(yHat, 1)
	require.NoError(t, err)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			assert.Equal(t, stopColor(0), img.NRGBAAt(x, y))
		}
	}
}

func TestEnergyHeatmapUpscales(t *testing.T) {
	yHat := tensor.New(1, 2, 2, 1)
	yHat.Data[yHat.Index(0, 1, 1, 0)] = 5

	img, err := EnergyHeatmap(yHat, 3)
	require.NoError(t, err)
	require.Equal(t, 6, img.Bounds().Dx())
	require.Equal(t, 6, img.Bounds().Dy())

	// Nearest-neighbor keeps each latent cell a solid block.
	assert.Equal(t, img.NRGBAAt(0, 0), img.NRGBAAt(1, 1))
	assert.Equal(t, img.NRGBAAt(5, 5), img.NRGBAAt(4, 4))
	assert.NotEqual(t, img.NRGBAAt(0, 0), img.NRGBAAt(5, 5))
}

func TestEnergyHeatmapErrors(t *testing.T) {
	_, err := EnergyHeatmap(nil, 1)
	assert.Error(t, err)

	_, err = EnergyHeatmap(tensor.New(2, 2, 2, 1), 1)
	assert.Error(t, err)
}

func TestGradientMonotoneBrightness(t *testing.T) {
	// The gradient is built to brighten with energy.
	prev := -1.0
	for _, pos := range []float64{0, 0.25, 0.5, 0.75, 1} {
		c := gradientAt(pos)
		_, _, l := c.Hcl()
		assert.Greater(t, l, prev, "stop %v", pos)
		prev = l
	}
}
