package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/safetensors"

	"github.com/MeKo-Tech/charm/internal/entropy"
	"github.com/MeKo-Tech/charm/internal/nn"
)

// Checkpoints are safetensors files: every parameter as a flat F32 tensor,
// the architecture fingerprint and epoch as I32 tensors, and, once the
// model is frozen, the coding tables as padded I32 matrices so a restored
// model reproduces bitstreams exactly without re-deriving tables.
const (
	ckptConfigTensor = "meta.config"
	ckptEpochTensor  = "meta.epoch"
)

type namedParam struct {
	name  string
	param *nn.Param
}

// namedParams enumerates all parameters under stable names. The scheme is
// positional within each component, which is unambiguous because the
// architecture is fully determined by the config fingerprint.
func (m *Model) namedParams() []namedParam {
	var out []namedParam
	add := func(prefix string, params []*nn.Param) {
		for i, p := range params {
			out = append(out, namedParam{fmt.Sprintf("%s.%d", prefix, i), p})
		}
	}
	add("analysis", m.analysis.Params())
	add("synthesis", m.synthesis.Params())
	add("hyper_analysis", m.hyperAnalysis.Params())
	add("hyper_synthesis", m.hyperSynthesis.Params())
	for i := range m.meanNets {
		add(fmt.Sprintf("mean.%d", i), m.meanNets[i].Params())
		add(fmt.Sprintf("scale.%d", i), m.scaleNets[i].Params())
	}
	add("em_z", m.emZ.Params())
	return out
}

func (m *Model) configFingerprint() []int32 {
	return []int32{
		int32(m.cfg.LatentDepth),
		int32(m.cfg.HyperpriorDepth),
		int32(m.cfg.NumSlices),
		int32(m.cfg.MaxSupportSlices),
		int32(m.cfg.NumScales),
	}
}

// SaveCheckpoint writes the model state to path, creating parent
// directories as needed. The write goes through a temp file so a crash
// never leaves a truncated checkpoint behind.
func SaveCheckpoint(path string, m *Model, epoch int) error {
	views := make(map[string]safetensors.TensorView)
	addF32 := func(name string, data []float32) error {
		tv, err := safetensors.NewTensorView(safetensors.F32, []uint64{uint64(len(data))}, f32ToBytes(data))
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		views[name] = tv
		return nil
	}
	addI32 := func(name string, data []int32, shape []uint64) error {
		tv, err := safetensors.NewTensorView(safetensors.I32, shape, i32ToBytes(data))
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		views[name] = tv
		return nil
	}

	for _, np := range m.namedParams() {
		if err := addF32(np.name, np.param.Data); err != nil {
			return err
		}
	}
	if err := addI32(ckptConfigTensor, m.configFingerprint(), []uint64{5}); err != nil {
		return err
	}
	if err := addI32(ckptEpochTensor, []int32{int32(epoch)}, []uint64{1}); err != nil {
		return err
	}

	if m.Frozen() {
		zTables, err := m.emZ.Tables()
		if err != nil {
			return err
		}
		yTables, err := m.emY.Tables()
		if err != nil {
			return err
		}
		if err := addTableSet(addI32, "em_z", zTables); err != nil {
			return err
		}
		if err := addTableSet(addI32, "em_y", yTables); err != nil {
			return err
		}
	}

	raw, err := safetensors.Serialize(views, nil)
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores model state from path into m, whose architecture
// must match the checkpoint's fingerprint. It returns the stored epoch.
// When the checkpoint carries coding tables the model comes back frozen.
func LoadCheckpoint(path string, m *Model) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}
	st, err := safetensors.Deserialize(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing checkpoint: %w", err)
	}
	byName := make(map[string]safetensors.TensorView)
	for _, nt := range st.Tensors() {
		byName[nt.Name] = nt.TensorView
	}

	cfgView, ok := byName[ckptConfigTensor]
	if !ok {
		return 0, fmt.Errorf("%s is not a model checkpoint (no %s tensor)", path, ckptConfigTensor)
	}
	stored := bytesToI32(cfgView.Data())
	want := m.configFingerprint()
	if len(stored) != len(want) {
		return 0, fmt.Errorf("malformed config fingerprint of %d values", len(stored))
	}
	for i := range want {
		if stored[i] != want[i] {
			return 0, fmt.Errorf("checkpoint architecture %v does not match model %v", stored, want)
		}
	}

	for _, np := range m.namedParams() {
		tv, ok := byName[np.name]
		if !ok {
			return 0, fmt.Errorf("checkpoint missing tensor %s", np.name)
		}
		if tv.DType() != safetensors.F32 {
			return 0, fmt.Errorf("tensor %s has dtype %v, want F32", np.name, tv.DType())
		}
		vals := bytesToF32(tv.Data())
		if len(vals) != len(np.param.Data) {
			return 0, fmt.Errorf("tensor %s has %d values, want %d", np.name, len(vals), len(np.param.Data))
		}
		copy(np.param.Data, vals)
	}

	epoch := 0
	if tv, ok := byName[ckptEpochTensor]; ok {
		if v := bytesToI32(tv.Data()); len(v) == 1 {
			epoch = int(v[0])
		}
	}

	if _, ok := byName["em_z.cdf"]; ok {
		zTables, err := readTableSet(byName, "em_z")
		if err != nil {
			return 0, err
		}
		yTables, err := readTableSet(byName, "em_y")
		if err != nil {
			return 0, err
		}
		if err := m.emZ.SetTables(zTables); err != nil {
			return 0, fmt.Errorf("restoring hyperprior tables: %w", err)
		}
		if err := m.emY.SetTables(yTables); err != nil {
			return 0, fmt.Errorf("restoring gaussian tables: %w", err)
		}
	}
	return epoch, nil
}

// addTableSet stores a table set as a zero-padded cdf matrix plus length
// and offset vectors.
func addTableSet(addI32 func(string, []int32, []uint64) error, prefix string, tables []entropy.Table) error {
	maxLen := 0
	for _, t := range tables {
		if len(t.CDF) > maxLen {
			maxLen = len(t.CDF)
		}
	}
	cdf := make([]int32, len(tables)*maxLen)
	lengths := make([]int32, len(tables))
	offsets := make([]int32, len(tables))
	for i, t := range tables {
		lengths[i] = int32(len(t.CDF))
		offsets[i] = t.Offset
		for j, v := range t.CDF {
			cdf[i*maxLen+j] = int32(v)
		}
	}
	if err := addI32(prefix+".cdf", cdf, []uint64{uint64(len(tables)), uint64(maxLen)}); err != nil {
		return err
	}
	if err := addI32(prefix+".cdf_length", lengths, []uint64{uint64(len(tables))}); err != nil {
		return err
	}
	return addI32(prefix+".cdf_offset", offsets, []uint64{uint64(len(tables))})
}

func readTableSet(byName map[string]safetensors.TensorView, prefix string) ([]entropy.Table, error) {
	cdfView, ok := byName[prefix+".cdf"]
	if !ok {
		return nil, fmt.Errorf("checkpoint missing tensor %s.cdf", prefix)
	}
	lenView, ok := byName[prefix+".cdf_length"]
	if !ok {
		return nil, fmt.Errorf("checkpoint missing tensor %s.cdf_length", prefix)
	}
	offView, ok := byName[prefix+".cdf_offset"]
	if !ok {
		return nil, fmt.Errorf("checkpoint missing tensor %s.cdf_offset", prefix)
	}

	lengths := bytesToI32(lenView.Data())
	offsets := bytesToI32(offView.Data())
	cdf := bytesToI32(cdfView.Data())
	if len(lengths) != len(offsets) || len(lengths) == 0 {
		return nil, fmt.Errorf("inconsistent table metadata under %s", prefix)
	}
	if len(cdf)%len(lengths) != 0 {
		return nil, fmt.Errorf("cdf matrix under %s is not rectangular", prefix)
	}
	maxLen := len(cdf) / len(lengths)

	tables := make([]entropy.Table, len(lengths))
	for i := range tables {
		n := int(lengths[i])
		if n < 0 || n > maxLen {
			return nil, fmt.Errorf("table %d under %s has invalid length %d", i, prefix, n)
		}
		row := cdf[i*maxLen : i*maxLen+n]
		t := entropy.Table{CDF: make([]uint32, n), Offset: offsets[i]}
		for j, v := range row {
			t.CDF[j] = uint32(v)
		}
		tables[i] = t
	}
	return tables, nil
}

func f32ToBytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func bytesToF32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func i32ToBytes(v []int32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(x))
	}
	return b
}

func bytesToI32(b []byte) []int32 {
	v := make([]int32, len(b)/4)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
