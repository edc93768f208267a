package utils

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// ImageToTensor converts a decoded image to a single-element batch tensor
// with RGB values in [0, 255], dropping any alpha channel.
func ImageToTensor(img image.Image) (*tensor.Tensor, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "convert", Err: errors.New("input image is nil")}
	}

	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, &ImageProcessingError{Operation: "convert", Err: errors.New("invalid image dimensions")}
	}

	out := tensor.New(1, height, width, 3)
	for y := 0; y < height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*width]
		dst := out.Index(0, y, 0, 0)
		for x := 0; x < width; x++ {
			out.Data[dst+3*x] = float32(row[4*x])
			out.Data[dst+3*x+1] = float32(row[4*x+1])
			out.Data[dst+3*x+2] = float32(row[4*x+2])
		}
	}
	return out, nil
}

// TensorToImage converts one batch element of a [0, 255] RGB tensor back
// to an image, rounding and clamping each value.
func TensorToImage(t *tensor.Tensor, n int) (*image.NRGBA, error) {
	if t == nil {
		return nil, &ImageProcessingError{Operation: "convert", Err: errors.New("input tensor is nil")}
	}
	if t.C != 3 {
		return nil, &ImageProcessingError{Operation: "convert", Err: fmt.Errorf("expected 3 channels, got %d", t.C)}
	}
	if n < 0 || n >= t.N {
		return nil, &ImageProcessingError{Operation: "convert", Err: fmt.Errorf("batch index %d outside 0..%d", n, t.N-1)}
	}

	img := image.NewNRGBA(image.Rect(0, 0, t.W, t.H))
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			src := t.Index(n, y, x, 0)
			img.SetNRGBA(x, y, color.NRGBA{
				R: clampByte(t.Data[src]),
				G: clampByte(t.Data[src+1]),
				B: clampByte(t.Data[src+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

func clampByte(v float32) uint8 {
	r := math.Round(float64(v))
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

// ResizeMinEdge upscales an image whose shorter edge is below minEdge so
// that edge reaches exactly minEdge, preserving aspect ratio. Larger
// images pass through unchanged.
func ResizeMinEdge(img image.Image, minEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= minEdge && h >= minEdge {
		return img
	}
	if w < h {
		return imaging.Resize(img, minEdge, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, minEdge, imaging.Lanczos)
}
