package testutil

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test image sizes.
	SmallSize  = ImageSize{320, 240}
	MediumSize = ImageSize{640, 480}
	LargeSize  = ImageSize{1024, 768}
)

// SyntheticImage renders a deterministic photo-like test image: smooth
// color gradients overlaid with low frequency waves and a little pixel
// noise, so compression tests see realistic local statistics rather than
// flat color or pure noise.
func SyntheticImage(width, height int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	fx := 1 + rng.Float64()*3
	fy := 1 + rng.Float64()*3
	phase := [3]float64{rng.Float64() * 2 * math.Pi, rng.Float64() * 2 * math.Pi, rng.Float64() * 2 * math.Pi}
	base := [3]float64{100 + rng.Float64()*60, 100 + rng.Float64()*60, 100 + rng.Float64()*60}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u := float64(x) / float64(width)
			v := float64(y) / float64(height)
			wave := 50 * math.Sin(2*math.Pi*(fx*u+fy*v))
			var c [3]uint8
			for ch := range c {
				val := base[ch] + wave*math.Cos(phase[ch]) + 40*(u-v)*math.Sin(phase[ch])
				val += (rng.Float64() - 0.5) * 12
				c[ch] = uint8(math.Max(0, math.Min(255, val)))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255})
		}
	}
	return img
}

// WriteImageSet writes count synthetic PNG images into dir and returns
// their paths.
func WriteImageSet(t *testing.T, dir string, count, width, height int) []string {
	t.Helper()

	require.NoError(t, EnsureDir(dir))
	paths := make([]string, count)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("img_%03d.png", i))
		SaveImage(t, SyntheticImage(width, height, int64(i+1)), paths[i])
	}
	return paths
}

// SaveImage saves an image to the specified path.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	// Ensure directory exists
	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)

	file, err := os.Create(path) //nolint:gosec // G304: Test file creation with controlled path
	require.NoError(t, err, "Failed to create file %s", path)
	defer func() {
		require.NoError(t, file.Close())
	}()

	err = png.Encode(file, img)
	require.NoError(t, err, "Failed to encode PNG image")
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")

	return img
}
