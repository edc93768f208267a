package benchmark

import (
	"fmt"
	"time"

	"github.com/MeKo-Tech/charm/internal/bitstream"
	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/common"
	"github.com/MeKo-Tech/charm/internal/testutil"
	"github.com/MeKo-Tech/charm/internal/utils"
)

// CodecResult holds compression and decompression measurements for one
// image size.
type CodecResult struct {
	Label        string
	Width        int
	Height       int
	Compress     Result
	Decompress   Result
	StreamBytes  int
	BitsPerPixel float64
}

// String returns a formatted representation of the codec measurements.
func (r CodecResult) String() string {
	compressAvg := r.Compress.Duration / time.Duration(r.Compress.Iterations)
	decompressAvg := r.Decompress.Duration / time.Duration(r.Decompress.Iterations)

	return fmt.Sprintf("%s: compress avg %v (%.2f MP/s), decompress avg %v (%.2f MP/s), %d bytes, %.4f bpp",
		r.Label,
		compressAvg.Round(time.Microsecond),
		common.MegapixelsPerSecond(r.Width, r.Height, compressAvg),
		decompressAvg.Round(time.Microsecond),
		common.MegapixelsPerSecond(r.Width, r.Height, decompressAvg),
		r.StreamBytes, r.BitsPerPixel)
}

// CodecBenchmark measures end-to-end coding throughput of a model across
// image sizes. The model must be frozen before Run is called.
type CodecBenchmark struct {
	model   *codec.Model
	sizes   []testutil.ImageSize
	results []CodecResult
}

// NewCodecBenchmark creates a benchmark harness for the given model.
func NewCodecBenchmark(model *codec.Model) *CodecBenchmark {
	return &CodecBenchmark{
		model: model,
		sizes: []testutil.ImageSize{testutil.SmallSize, testutil.MediumSize},
	}
}

// SetSizes replaces the image sizes exercised by Run.
func (cb *CodecBenchmark) SetSizes(sizes []testutil.ImageSize) {
	cb.sizes = sizes
}

// Run measures compression and decompression at every configured size.
func (cb *CodecBenchmark) Run(iterations int) ([]CodecResult, error) {
	if iterations < 1 {
		iterations = 1
	}

	cb.results = cb.results[:0]
	for i, size := range cb.sizes {
		result, err := cb.runSize(size, int64(i+1), iterations)
		if err != nil {
			return nil, err
		}
		cb.results = append(cb.results, result)
	}
	return cb.results, nil
}

// runSize renders a synthetic image at the given size and times both
// coding directions on it.
func (cb *CodecBenchmark) runSize(size testutil.ImageSize, seed int64, iterations int) (CodecResult, error) {
	label := fmt.Sprintf("%dx%d", size.Width, size.Height)

	img := testutil.SyntheticImage(size.Width, size.Height, seed)
	x, err := utils.ImageToTensor(img)
	if err != nil {
		return CodecResult{}, fmt.Errorf("preparing %s input: %w", label, err)
	}

	suite := NewSuite()

	var compressed *codec.Compressed
	suite.Add("Compress_"+label, func() error {
		c, compressErr := cb.model.Compress(x)
		if compressErr != nil {
			return compressErr
		}
		compressed = c
		return nil
	})

	compressResult := suite.Run("Compress_"+label, iterations)
	if compressResult.Error != nil {
		return CodecResult{}, fmt.Errorf("compressing %s: %w", label, compressResult.Error)
	}

	packed := bitstream.Pack(compressed)

	suite.Add("Decompress_"+label, func() error {
		_, decompressErr := cb.model.Decompress(compressed)
		return decompressErr
	})

	decompressResult := suite.Run("Decompress_"+label, iterations)
	if decompressResult.Error != nil {
		return CodecResult{}, fmt.Errorf("decompressing %s: %w", label, decompressResult.Error)
	}

	return CodecResult{
		Label:        label,
		Width:        size.Width,
		Height:       size.Height,
		Compress:     compressResult,
		Decompress:   decompressResult,
		StreamBytes:  len(packed),
		BitsPerPixel: float64(len(packed)*8) / float64(size.Width*size.Height),
	}, nil
}

// Results returns the measurements from the last Run.
func (cb *CodecBenchmark) Results() []CodecResult {
	return cb.results
}

// PrintResults prints one line per measured size.
func (cb *CodecBenchmark) PrintResults() {
	fmt.Println("\nCodec Benchmark Results:")
	fmt.Println("========================")
	for _, result := range cb.results {
		fmt.Println(result.String())
	}
	fmt.Println()
}
