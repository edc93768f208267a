package codec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/safetensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkpointPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "model.safetensors")
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig()
	a := newTestModel(t, cfg)

	otherSeed := cfg
	otherSeed.Seed = 99
	b := newTestModel(t, otherSeed)

	// Different seeds, different parameters.
	aParams, bParams := a.Params(), b.Params()
	require.Equal(t, len(aParams), len(bParams))
	differs := false
	for i := range aParams {
		if !assert.ObjectsAreEqual(aParams[i].Data, bParams[i].Data) {
			differs = true
			break
		}
	}
	require.True(t, differs)

	path := checkpointPath(t)
	require.NoError(t, SaveCheckpoint(path, a, 7))

	epoch, err := LoadCheckpoint(path, b)
	require.NoError(t, err)
	assert.Equal(t, 7, epoch)
	assert.False(t, b.Frozen())

	for i := range aParams {
		assert.Equal(t, aParams[i].Data, bParams[i].Data, "param %d", i)
	}
}

func TestCheckpointRestoresFrozenTables(t *testing.T) {
	cfg := testConfig()
	a := newTestModel(t, cfg)
	a.Freeze()

	path := checkpointPath(t)
	require.NoError(t, SaveCheckpoint(path, a, 3))

	fresh := cfg
	fresh.Seed = 100
	b := newTestModel(t, fresh)
	_, err := LoadCheckpoint(path, b)
	require.NoError(t, err)
	require.True(t, b.Frozen())

	// The restored tables must reproduce the original bitstreams exactly.
	x := testImage(1, 32, 32, 30)
	ca, err := a.Compress(x)
	require.NoError(t, err)
	cb, err := b.Compress(x)
	require.NoError(t, err)
	assert.Equal(t, ca.ZStream, cb.ZStream)
	assert.Equal(t, ca.SliceStreams, cb.SliceStreams)

	ra, err := a.Decompress(ca)
	require.NoError(t, err)
	rb, err := b.Decompress(cb)
	require.NoError(t, err)
	assert.Equal(t, ra.Data, rb.Data)
}

func TestCheckpointArchitectureMismatch(t *testing.T) {
	a := newTestModel(t, testConfig())
	path := checkpointPath(t)
	require.NoError(t, SaveCheckpoint(path, a, 1))

	other := testConfig()
	other.NumSlices = 4
	b := newTestModel(t, other)
	_, err := LoadCheckpoint(path, b)
	require.ErrorContains(t, err, "architecture")
}

func TestCheckpointMissingFile(t *testing.T) {
	m := newTestModel(t, testConfig())
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.safetensors"), m)
	require.Error(t, err)
}

func TestCheckpointCorruptFile(t *testing.T) {
	m := newTestModel(t, testConfig())
	path := checkpointPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o600))

	_, err := LoadCheckpoint(path, m)
	require.Error(t, err)
}

func TestCheckpointRejectsForeignFile(t *testing.T) {
	m := newTestModel(t, testConfig())

	// A valid safetensors file that is not one of our checkpoints.
	tv, err := safetensors.NewTensorView(safetensors.F32, []uint64{2}, f32ToBytes([]float32{1, 2}))
	require.NoError(t, err)
	raw, err := safetensors.Serialize(map[string]safetensors.TensorView{"weights": tv}, nil)
	require.NoError(t, err)

	path := checkpointPath(t)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = LoadCheckpoint(path, m)
	require.ErrorContains(t, err, ckptConfigTensor)
}

func TestCheckpointMissingParamTensor(t *testing.T) {
	m := newTestModel(t, testConfig())

	// Correct fingerprint but no parameter tensors.
	tv, err := safetensors.NewTensorView(safetensors.I32, []uint64{5}, i32ToBytes(m.configFingerprint()))
	require.NoError(t, err)
	raw, err := safetensors.Serialize(map[string]safetensors.TensorView{ckptConfigTensor: tv}, nil)
	require.NoError(t, err)

	path := checkpointPath(t)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = LoadCheckpoint(path, m)
	require.ErrorContains(t, err, "missing tensor")
}

func TestCheckpointCreatesParentDirs(t *testing.T) {
	m := newTestModel(t, testConfig())
	path := filepath.Join(t.TempDir(), "runs", "a1", "model.safetensors")

	require.NoError(t, SaveCheckpoint(path, m, 0))
	_, err := os.Stat(path)
	require.NoError(t, err)
}
