package cmd

import (
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/charm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCommand(t *testing.T) {
	setTinyModelEnv(t)
	tmp := t.TempDir()
	ckpt := filepath.Join(tmp, "model.safetensors")
	writeTinyCheckpoint(t, ckpt)

	// Multiscale SSIM needs at least 176 pixels per edge.
	inputDir := filepath.Join(tmp, "images")
	testutil.WriteImageSet(t, inputDir, 2, 192, 192)
	outputDir := filepath.Join(tmp, "out")

	stdout, err := executeCommand("evaluate",
		"--model", ckpt,
		"--input-dir", inputDir,
		"--output-dir", outputDir,
		"--workers", "2")
	require.NoError(t, err)

	assert.Contains(t, stdout, "#------ charm ------#")
	assert.Contains(t, stdout, "PSNR (dB):")
	assert.Contains(t, stdout, "Multiscale SSIM (dB):")
	assert.Contains(t, stdout, "Bits per pixel:")

	matches, err := filepath.Glob(filepath.Join(outputDir, "*.charm"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestEvaluateCommandRequiresDirs(t *testing.T) {
	setTinyModelEnv(t)

	_, err := executeCommand("evaluate", "--input-dir", "", "--output-dir", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input directory")
}
