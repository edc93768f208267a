package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/MeKo-Tech/charm/internal/benchmark"
	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/testutil"
)

func main() {
	var (
		modelPath   = flag.String("model", "", "Model checkpoint to benchmark (fresh weights when empty)")
		latentDepth = flag.Int("latent-depth", 320, "Latent channels")
		hyperDepth  = flag.Int("hyperprior-depth", 192, "Hyperprior channels")
		numSlices   = flag.Int("num-slices", 10, "Latent slices")
		maxSupport  = flag.Int("max-support-slices", 5, "Support slices per prediction")
		sizes       = flag.String("sizes", "320x240,640x480", "Comma separated image sizes (WxH)")
		iterations  = flag.Int("iterations", 3, "Number of iterations per benchmark")
		outputFile  = flag.String("output", "", "Output file for results (optional)")
		verbose     = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	fmt.Println("charm Codec Throughput Benchmark")
	fmt.Println("================================")

	cfg := codec.DefaultConfig()
	cfg.LatentDepth = *latentDepth
	cfg.HyperpriorDepth = *hyperDepth
	cfg.NumSlices = *numSlices
	cfg.MaxSupportSlices = *maxSupport

	model, err := codec.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}

	if *modelPath != "" {
		if _, err := codec.LoadCheckpoint(*modelPath, model); err != nil {
			log.Fatalf("Failed to load checkpoint: %v", err)
		}
		if *verbose {
			fmt.Printf("Loaded checkpoint: %s\n", *modelPath)
		}
	}
	if !model.Frozen() {
		model.Freeze()
	}

	parsedSizes, err := parseSizes(*sizes)
	if err != nil {
		log.Fatalf("Invalid -sizes: %v", err)
	}

	codecBench := benchmark.NewCodecBenchmark(model)
	codecBench.SetSizes(parsedSizes)

	fmt.Printf("Running benchmarks with %d iterations per size...\n\n", *iterations)

	results, err := codecBench.Run(*iterations)
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	codecBench.PrintResults()

	if *outputFile != "" {
		if err := saveResultsToFile(*outputFile, results); err != nil {
			log.Printf("Failed to save results to file: %v", err)
		} else {
			fmt.Printf("Results saved to: %s\n", *outputFile)
		}
	}
}

// parseSizes parses a comma separated list of WxH image sizes.
func parseSizes(spec string) ([]testutil.ImageSize, error) {
	var parsed []testutil.ImageSize
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var width, height int
		if _, err := fmt.Sscanf(part, "%dx%d", &width, &height); err != nil {
			return nil, fmt.Errorf("cannot parse size '%s' (want WxH)", part)
		}
		if width < 16 || height < 16 {
			return nil, fmt.Errorf("size '%s' is below the 16 pixel minimum", part)
		}
		parsed = append(parsed, testutil.ImageSize{Width: width, Height: height})
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no sizes given")
	}
	return parsed, nil
}

func saveResultsToFile(filename string, results []benchmark.CodecResult) error {
	file, err := os.Create(filename) //nolint:gosec // G304: Output path comes from the -output flag
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// Write header
	_, _ = fmt.Fprintln(file, "charm Codec Benchmark Results")
	_, _ = fmt.Fprintln(file, "=============================")
	_, _ = fmt.Fprintln(file)

	// Write individual results
	for _, result := range results {
		_, _ = fmt.Fprintf(file, "%s\n", result.String())
	}

	_, _ = fmt.Fprintln(file)
	_, _ = fmt.Fprintln(file, "CSV Format:")
	_, _ = fmt.Fprintln(file, "Size,Compress_ms,Decompress_ms,Stream_Bytes,Bits_Per_Pixel")

	for _, result := range results {
		compressMs := float64(result.Compress.Duration.Nanoseconds()) / 1e6 / float64(result.Compress.Iterations)
		decompressMs := float64(result.Decompress.Duration.Nanoseconds()) / 1e6 / float64(result.Decompress.Iterations)

		_, _ = fmt.Fprintf(file, "%s,%.2f,%.2f,%d,%.4f\n",
			result.Label,
			compressMs,
			decompressMs,
			result.StreamBytes,
			result.BitsPerPixel,
		)
	}

	return nil
}
