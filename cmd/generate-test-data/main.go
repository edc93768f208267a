package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/charm/internal/testutil"
)

// manifestEntry describes one generated corpus image.
type manifestEntry struct {
	File   string `json:"file"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seed   int64  `json:"seed"`
}

func main() {
	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var (
		dir      = flag.String("dir", "testdata/corpus", "Output directory for generated images")
		count    = flag.Int("count", 8, "Images per size")
		sizes    = flag.String("sizes", "320x240,640x480", "Comma separated image sizes (WxH)")
		seed     = flag.Int64("seed", 1, "Base seed; successive images increment it")
		manifest = flag.Bool("manifest", true, "Write a manifest.json describing the corpus")
		help     = flag.Bool("h", false, "Show help")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generate a synthetic image corpus for training and benchmarking.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s                                        # Generate the default corpus\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dir /tmp/corpus -count 32 -sizes 256x256\n", os.Args[0])
	}

	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	parsedSizes, err := parseSizes(*sizes)
	if err != nil {
		slog.Error("Invalid -sizes", "error", err)
		os.Exit(1)
	}

	slog.Info("Generating synthetic corpus", "dir", *dir, "count", *count, "sizes", *sizes)

	entries, err := generateCorpus(*dir, *count, parsedSizes, *seed)
	if err != nil {
		slog.Error("Failed to generate corpus", "error", err)
		os.Exit(1)
	}

	if *manifest {
		if err := writeManifest(*dir, entries); err != nil {
			slog.Error("Failed to write manifest", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Corpus generation completed", "images", len(entries))
}

// generateCorpus writes count images per size into dir and returns the
// manifest entries for them.
func generateCorpus(dir string, count int, sizes []testutil.ImageSize, seed int64) ([]manifestEntry, error) {
	if err := testutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create corpus directory: %w", err)
	}

	entries := make([]manifestEntry, 0, count*len(sizes))
	for _, size := range sizes {
		for i := 0; i < count; i++ {
			img := testutil.SyntheticImage(size.Width, size.Height, seed)
			name := fmt.Sprintf("img_%dx%d_%03d.png", size.Width, size.Height, i)

			if err := saveImageToFile(img, filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("failed to save image %s: %w", name, err)
			}

			entries = append(entries, manifestEntry{
				File:   name,
				Width:  size.Width,
				Height: size.Height,
				Seed:   seed,
			})
			seed++
		}
	}
	return entries, nil
}

// writeManifest records the generated images as JSON next to them.
func writeManifest(dir string, entries []manifestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o600)
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

// saveImageToFile encodes an image as PNG without requiring a testing.T.
func saveImageToFile(img image.Image, path string) error {
	file, err := os.Create(path) //nolint:gosec // G304: Corpus generation uses controlled paths
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	return png.Encode(file, img)
}
