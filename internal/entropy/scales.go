// Package entropy implements the probability models and the exact coding
// machinery of the codec: a learned fully-factorized prior for the
// hyperprior tensor, a scale-indexed Gaussian family for the latent slices,
// integer CDF table construction, and a byte-oriented range coder. Every
// model has a differentiable estimation path for training and a frozen,
// table-driven path for bit-exact compression.
package entropy

import (
	"fmt"
	"math"
)

// ScaleTable maps continuous scale indices to standard deviations on a
// fixed logarithmic grid between Min and Max. The same mapping serves
// training, rate estimation and range coding table construction; any
// divergence between those would make rate estimates and actual bit costs
// disagree.
type ScaleTable struct {
	Min    float64
	Max    float64
	Num    int
	offset float64
	factor float64
}

// NewScaleTable validates and precomputes the log interpolation.
func NewScaleTable(minScale, maxScale float64, num int) (*ScaleTable, error) {
	if num < 2 {
		return nil, fmt.Errorf("need at least 2 scales, got %d", num)
	}
	if minScale <= 0 || maxScale <= minScale {
		return nil, fmt.Errorf("invalid scale range [%g, %g]", minScale, maxScale)
	}
	offset := math.Log(minScale)
	return &ScaleTable{
		Min:    minScale,
		Max:    maxScale,
		Num:    num,
		offset: offset,
		factor: (math.Log(maxScale) - offset) / float64(num-1),
	}, nil
}

// Scale evaluates the mapping at a (not necessarily integer) index.
func (s *ScaleTable) Scale(index float64) float64 {
	return math.Exp(s.offset + s.factor*index)
}

// ScaleGrad returns d Scale / d index at the given index.
func (s *ScaleTable) ScaleGrad(index float64) float64 {
	return s.factor * s.Scale(index)
}

// ClipIndex clamps an index into [0, Num-1].
func (s *ScaleTable) ClipIndex(index float64) float64 {
	if index < 0 {
		return 0
	}
	if max := float64(s.Num - 1); index > max {
		return max
	}
	return index
}

// RoundIndex clamps and rounds to the nearest integer table entry.
func (s *ScaleTable) RoundIndex(index float64) int {
	return int(math.Round(s.ClipIndex(index)))
}
