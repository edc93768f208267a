package support

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/testutil"
	"github.com/MeKo-Tech/charm/internal/utils"
	"github.com/cucumber/godog"
)

// tinyCodecConfig returns a reduced architecture for fast scenarios.
// Building the full-size default model would dominate the suite runtime.
func tinyCodecConfig() codec.Config {
	return codec.Config{
		LatentDepth:      8,
		HyperpriorDepth:  4,
		NumSlices:        2,
		MaxSupportSlices: 1,
		NumScales:        8,
		ScaleMin:         0.11,
		ScaleMax:         8,
		Lambda:           0.01,
		Seed:             42,
	}
}

// theTinyArchitectureIsConfigured exports the reduced architecture to every
// spawned command so models built by the binary match tinyCodecConfig.
func (testCtx *TestContext) theTinyArchitectureIsConfigured() error {
	testCtx.AddEnvVar("CHARM_MODEL_LATENT_DEPTH", "8")
	testCtx.AddEnvVar("CHARM_MODEL_HYPERPRIOR_DEPTH", "4")
	testCtx.AddEnvVar("CHARM_MODEL_NUM_SLICES", "2")
	testCtx.AddEnvVar("CHARM_MODEL_MAX_SUPPORT_SLICES", "1")
	testCtx.AddEnvVar("CHARM_MODEL_NUM_SCALES", "8")
	testCtx.AddEnvVar("CHARM_MODEL_SCALE_MAX", "8")
	testCtx.AddEnvVar("CHARM_MODEL_SEED", "42")
	return nil
}

// aTrainedModelAt writes a frozen checkpoint that the spawned commands can
// load for compression and decompression.
func (testCtx *TestContext) aTrainedModelAt(path string) error {
	if err := testCtx.theTinyArchitectureIsConfigured(); err != nil {
		return err
	}

	model, err := codec.New(tinyCodecConfig())
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	model.Freeze()

	fullPath := testCtx.ResolvePath(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := codec.SaveCheckpoint(fullPath, model, 1); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// aSyntheticImage writes a deterministic test image at the given path.
func (testCtx *TestContext) aSyntheticImage(path string, width, height int) error {
	img := testutil.SyntheticImage(width, height, 7)
	fullPath := testCtx.ResolvePath(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := utils.SaveImage(fullPath, img); err != nil {
		return fmt.Errorf("failed to write image %s: %w", fullPath, err)
	}
	return nil
}

// aCorpusOfSyntheticImages fills a directory with deterministic test images.
func (testCtx *TestContext) aCorpusOfSyntheticImages(count, width, height int, dir string) error {
	fullDir := testCtx.ResolvePath(dir)
	if err := os.MkdirAll(fullDir, 0o750); err != nil {
		return fmt.Errorf("failed to create corpus directory: %w", err)
	}
	for i := 0; i < count; i++ {
		img := testutil.SyntheticImage(width, height, int64(i+1))
		name := fmt.Sprintf("img_%03d.png", i)
		if err := utils.SaveImage(filepath.Join(fullDir, name), img); err != nil {
			return fmt.Errorf("failed to write corpus image %s: %w", name, err)
		}
	}
	return nil
}

// RegisterModelSteps registers model and test data setup steps.
func (testCtx *TestContext) RegisterModelSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the tiny model architecture is configured$`, testCtx.theTinyArchitectureIsConfigured)
	sc.Step(`^a trained model at "([^"]*)"$`, testCtx.aTrainedModelAt)
	sc.Step(`^a synthetic image "([^"]*)" of size (\d+)x(\d+)$`, testCtx.aSyntheticImage)
	sc.Step(`^a corpus of (\d+) synthetic images of size (\d+)x(\d+) in "([^"]*)"$`, testCtx.aCorpusOfSyntheticImages)
}
