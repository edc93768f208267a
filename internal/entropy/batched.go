package entropy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/nn"
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// ErrNotFrozen is returned by exact coding entry points before Freeze has
// built the integer tables.
var ErrNotFrozen = errors.New("entropy model is not frozen")

// defaultTailMass is the probability mass a frozen table may push outside
// its regular window and onto the escape symbol.
const defaultTailMass = 1.0 / (1 << 8)

// BatchedModel couples a DeepFactorized prior with quantization and range
// coding for the hyperprior tensor. During training it replaces rounding
// with additive uniform noise so rate estimates stay differentiable; after
// Freeze it codes rounded values exactly against per-channel tables.
type BatchedModel struct {
	Prior *DeepFactorized

	rng    *rand.Rand
	frozen bool
	tables []Table
}

// NewBatchedModel wraps a prior. The rng drives the training-time noise.
func NewBatchedModel(prior *DeepFactorized, rng *rand.Rand) *BatchedModel {
	return &BatchedModel{Prior: prior, rng: rng}
}

// Params exposes the prior's parameters for the optimizer.
func (m *BatchedModel) Params() []*nn.Param {
	return m.Prior.Params()
}

// Frozen reports whether exact coding tables have been built.
func (m *BatchedModel) Frozen() bool { return m.frozen }

// EstimateRate returns the values the rate is charged at together with the
// total information content in bits, one entry per batch element. When
// training, values are perturbed by uniform noise; otherwise they are
// rounded. The caller keeps the returned tensor if it wants gradients via
// RateBackwardAt later.
func (m *BatchedModel) EstimateRate(z *tensor.Tensor, training bool) (*tensor.Tensor, []float64) {
	out := tensor.New(z.N, z.H, z.W, z.C)
	bits := make([]float64, z.N)
	perBatch := z.H * z.W * z.C
	for idx, v := range z.Data {
		var val float64
		if training {
			val = float64(v) + m.rng.Float64() - 0.5
		} else {
			val = math.Round(float64(v))
		}
		out.Data[idx] = float32(val)
		bits[idx/perBatch] += bitsFromLikelihood(m.Prior.Likelihood(idx%z.C, val))
	}
	return out, bits
}

// RateBackwardAt propagates the loss term scale*sum(bits) evaluated at the
// given (typically noise-perturbed) values. Prior parameter gradients
// accumulate in place; the returned tensor is the gradient with respect to
// the model input, which the additive noise passes through unchanged.
func (m *BatchedModel) RateBackwardAt(values *tensor.Tensor, scale float64) *tensor.Tensor {
	grad := tensor.ZerosLike(values)
	for idx, v := range values.Data {
		grad.Data[idx] = float32(m.Prior.RateBackward(idx%values.C, float64(v), scale))
	}
	return grad
}

// Quantize rounds to the integer grid used by the exact coder.
func (m *BatchedModel) Quantize(z *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(z.N, z.H, z.W, z.C)
	for i, v := range z.Data {
		out.Data[i] = float32(math.Round(float64(v)))
	}
	return out
}

// Freeze samples the prior into integer coding tables, one per channel.
// The model keeps training ability; frozen tables simply snapshot the
// prior at this point, and coding uses only the tables from here on.
func (m *BatchedModel) Freeze() {
	tables := make([]Table, m.Prior.Channels)
	for c := range tables {
		qmin, qmax := m.Prior.pmfRange(c, defaultTailMass)
		probs := make([]float64, qmax-qmin+2)
		var sum float64
		for k := qmin; k <= qmax; k++ {
			p := m.Prior.Likelihood(c, float64(k))
			probs[k-qmin] = p
			sum += p
		}
		if escape := 1 - sum; escape > 0 {
			probs[len(probs)-1] = escape
		}
		tables[c] = buildTable(probs, int32(qmin))
	}
	m.tables = tables
	m.frozen = true
}

// Tables returns the frozen per-channel tables.
func (m *BatchedModel) Tables() ([]Table, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	return m.tables, nil
}

// SetTables restores a frozen state from persisted tables.
func (m *BatchedModel) SetTables(tables []Table) error {
	if len(tables) != m.Prior.Channels {
		return fmt.Errorf("expected %d tables, got %d", m.Prior.Channels, len(tables))
	}
	for c := range tables {
		if err := tables[c].Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", c, err)
		}
	}
	m.tables = tables
	m.frozen = true
	return nil
}

// Compress range-codes a single rounded hyperprior tensor. Elements are
// coded in storage order so Decompress can walk the same sequence.
func (m *BatchedModel) Compress(z *tensor.Tensor) ([]byte, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	if z.N != 1 {
		return nil, fmt.Errorf("compress expects a single element batch, got %d", z.N)
	}
	enc := newRangeEncoder()
	for idx, v := range z.Data {
		encodeValue(enc, &m.tables[idx%z.C], int32(math.Round(float64(v))))
	}
	return enc.finish(), nil
}

// Decompress reconstructs the rounded hyperprior tensor for the given
// spatial shape.
func (m *BatchedModel) Decompress(data []byte, h, w int) (*tensor.Tensor, error) {
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	out := tensor.New(1, h, w, m.Prior.Channels)
	dec := newRangeDecoder(data)
	for idx := range out.Data {
		out.Data[idx] = float32(decodeValue(dec, &m.tables[idx%out.C]))
	}
	return out, nil
}
