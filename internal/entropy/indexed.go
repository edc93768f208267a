package entropy

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// IndexedModel codes latent values against a Gaussian whose mean comes in
// as side information and whose standard deviation is selected from a
// ScaleTable by a continuous index. Freeze materializes one coding table
// per integer index, so runtime table lookup is a rounded index away and
// encoder and decoder agree bit-exactly whenever they see the same mean
// and index tensors.
type IndexedModel struct {
	Scales *ScaleTable

	rng    *rand.Rand
	frozen bool
	tables []Table
}

func NewIndexedModel(scales *ScaleTable, rng *rand.Rand) *IndexedModel {
	return &IndexedModel{Scales: scales, rng: rng}
}

// Frozen reports whether exact coding tables have been built.
func (m *IndexedModel) Frozen() bool { return m.frozen }

// EstimateRate returns the values the rate is charged at and the total
// information content in bits per batch element. Training perturbs values
// with uniform noise; evaluation quantizes to the offsets actually
// transmitted.
func (m *IndexedModel) EstimateRate(y, mu, sigmaIdx *tensor.Tensor, training bool) (*tensor.Tensor, []float64, error) {
	if !y.SameShape(mu) || !y.SameShape(sigmaIdx) {
		return nil, nil, fmt.Errorf("mismatched shapes: values %s, mean %s, index %s",
			y.ShapeString(), mu.ShapeString(), sigmaIdx.ShapeString())
	}
	out := tensor.New(y.N, y.H, y.W, y.C)
	bits := make([]float64, y.N)
	perBatch := y.H * y.W * y.C
	for idx, v := range y.Data {
		mean := float64(mu.Data[idx])
		var val, scaleIdx float64
		if training {
			val = float64(v) + m.rng.Float64() - 0.5
			scaleIdx = m.Scales.ClipIndex(float64(sigmaIdx.Data[idx]))
		} else {
			val = mean + math.Round(float64(v)-mean)
			scaleIdx = float64(m.Scales.RoundIndex(float64(sigmaIdx.Data[idx])))
		}
		out.Data[idx] = float32(val)
		p, _, _ := gaussianLikelihood(val, mean, m.Scales.Scale(scaleIdx))
		bits[idx/perBatch] += bitsFromLikelihood(p)
	}
	return out, bits, nil
}

// RateBackwardAt propagates the loss term scale*sum(bits) evaluated at the
// given (typically noise-perturbed) values, returning gradients for the
// values, the means and the raw scale indices. Index gradients are gated
// at the clip bounds so an out-of-range index is only pulled back into
// range, never further out.
func (m *IndexedModel) RateBackwardAt(values, mu, sigmaIdx *tensor.Tensor, scale float64) (dY, dMu, dIdx *tensor.Tensor) {
	dY = tensor.ZerosLike(values)
	dMu = tensor.ZerosLike(values)
	dIdx = tensor.ZerosLike(values)
	for idx, v := range values.Data {
		mean := float64(mu.Data[idx])
		rawIdx := float64(sigmaIdx.Data[idx])
		clipped := m.Scales.ClipIndex(rawIdx)

		p, dValue, dScale := gaussianLikelihood(float64(v), mean, m.Scales.Scale(clipped))
		g := scale * bitsGradFactor(p)
		dY.Data[idx] = float32(g * dValue)
		dMu.Data[idx] = float32(-g * dValue)

		gIdx := g * dScale * m.Scales.ScaleGrad(clipped)
		if rawIdx < 0 && gIdx >= 0 {
			gIdx = 0
		}
		if rawIdx > float64(m.Scales.Num-1) && gIdx <= 0 {
			gIdx = 0
		}
		dIdx.Data[idx] = float32(gIdx)
	}
	return dY, dMu, dIdx
}

// Quantize rounds the offset from the predicted mean, keeping the mean
// itself continuous. Gradients treat the rounding as identity in the
// values and constant in the mean.
func (m *IndexedModel) Quantize(y, mu *tensor.Tensor) (*tensor.Tensor, error) {
	if !y.SameShape(mu) {
		return nil, fmt.Errorf("mismatched shapes: values %s, mean %s", y.ShapeString(), mu.ShapeString())
	}
	out := tensor.New(y.N, y.H, y.W, y.C)
	for i, v := range y.Data {
		mean := float64(mu.Data[i])
		out.Data[i] = float32(mean + math.Round(float64(v)-mean))
	}
	return out, nil
}

// Freeze builds one coding table per integer scale index. Each table spans
// the central mass of a zero-mean Gaussian at that scale, widened by the
// half-bin the rounding can add.
func (m *IndexedModel) Freeze() {
	tables := make([]Table, m.Scales.Num)
	for i := range tables {
		s := m.Scales.Scale(float64(i))
		dist := distuv.Normal{Mu: 0, Sigma: s}
		qmax := int(math.Ceil(dist.Quantile(1-defaultTailMass/2) + 0.5))
		if qmax < 1 {
			qmax = 1
		}
		probs := make([]float64, 2*qmax+2)
		var sum float64
		for k := -qmax; k <= qmax; k++ {
			p, _, _ := gaussianLikelihood(float64(k), 0, s)
			probs[k+qmax] = p
			sum += p
		}
		if escape := 1 - sum; escape > 0 {
			probs[len(probs)-1] = escape
		}
		tables[i] = buildTable(probs, int32(-qmax))
	}
	m.tables = tables
	m.frozen = true
}

// Tables returns the frozen per-index tables.
func (m *IndexedModel) Tables() ([]Table, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	return m.tables, nil
}

// SetTables restores a frozen state from persisted tables.
func (m *IndexedModel) SetTables(tables []Table) error {
	if len(tables) != m.Scales.Num {
		return fmt.Errorf("expected %d tables, got %d", m.Scales.Num, len(tables))
	}
	for i := range tables {
		if err := tables[i].Validate(); err != nil {
			return fmt.Errorf("scale index %d: %w", i, err)
		}
	}
	m.tables = tables
	m.frozen = true
	return nil
}

// Compress range-codes the rounded offsets of y from mu, selecting each
// element's table by its rounded scale index.
func (m *IndexedModel) Compress(y, mu, sigmaIdx *tensor.Tensor) ([]byte, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	if y.N != 1 {
		return nil, fmt.Errorf("compress expects a single element batch, got %d", y.N)
	}
	if !y.SameShape(mu) || !y.SameShape(sigmaIdx) {
		return nil, fmt.Errorf("mismatched shapes: values %s, mean %s, index %s",
			y.ShapeString(), mu.ShapeString(), sigmaIdx.ShapeString())
	}
	enc := newRangeEncoder()
	for idx, v := range y.Data {
		t := &m.tables[m.Scales.RoundIndex(float64(sigmaIdx.Data[idx]))]
		offset := int32(math.Round(float64(v) - float64(mu.Data[idx])))
		encodeValue(enc, t, offset)
	}
	return enc.finish(), nil
}

// Decompress inverts Compress given the same mean and index tensors,
// returning mu plus the decoded offsets.
func (m *IndexedModel) Decompress(data []byte, mu, sigmaIdx *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	if !mu.SameShape(sigmaIdx) {
		return nil, fmt.Errorf("mismatched shapes: mean %s, index %s", mu.ShapeString(), sigmaIdx.ShapeString())
	}
	out := tensor.New(mu.N, mu.H, mu.W, mu.C)
	dec := newRangeDecoder(data)
	for idx := range out.Data {
		t := &m.tables[m.Scales.RoundIndex(float64(sigmaIdx.Data[idx]))]
		out.Data[idx] = mu.Data[idx] + float32(decodeValue(dec, t))
	}
	return out, nil
}
