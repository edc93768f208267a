package entropy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaussianBinsSumToOne(t *testing.T) {
	for _, s := range []float64{0.11, 1, 5, 40} {
		span := int(math.Ceil(8*s)) + 2
		var sum float64
		for k := -span; k <= span; k++ {
			p, _, _ := gaussianLikelihood(float64(k), 0, s)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "scale %g", s)
	}
}

func TestGaussianLikelihoodDerivatives(t *testing.T) {
	cases := []struct{ v, mu, s float64 }{
		{0.3, 0, 1},
		{-1.2, 0.4, 0.5},
		{2.0, -0.5, 3.0},
		{0.1, 0.2, 0.11},
	}
	const h = 1e-5
	for _, c := range cases {
		p, dValue, dScale := gaussianLikelihood(c.v, c.mu, c.s)
		assert.Greater(t, p, 0.0)
		assert.Less(t, p, 1.0)

		pv1, _, _ := gaussianLikelihood(c.v+h, c.mu, c.s)
		pv0, _, _ := gaussianLikelihood(c.v-h, c.mu, c.s)
		assert.InDelta(t, (pv1-pv0)/(2*h), dValue, 1e-6, "dValue at %+v", c)

		// The mean derivative is the negated value derivative.
		pm1, _, _ := gaussianLikelihood(c.v, c.mu+h, c.s)
		pm0, _, _ := gaussianLikelihood(c.v, c.mu-h, c.s)
		assert.InDelta(t, (pm1-pm0)/(2*h), -dValue, 1e-6, "dMu at %+v", c)

		ps1, _, _ := gaussianLikelihood(c.v, c.mu, c.s+h)
		ps0, _, _ := gaussianLikelihood(c.v, c.mu, c.s-h)
		assert.InDelta(t, (ps1-ps0)/(2*h), dScale, 1e-6, "dScale at %+v", c)
	}
}

func TestBitsFromLikelihoodFloor(t *testing.T) {
	assert.InDelta(t, 1.0, bitsFromLikelihood(0.5), 1e-12)
	assert.InDelta(t, 30.0, bitsFromLikelihood(0), 1e-9)
	assert.InDelta(t, 30.0, bitsFromLikelihood(1e-300), 1e-9)

	// The gradient factor keeps its clamped magnitude below the floor
	// instead of exploding or vanishing.
	assert.InDelta(t, bitsGradFactor(likelihoodFloor), bitsGradFactor(0), 1e-9)
	assert.Negative(t, bitsGradFactor(0.5))
}
