package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

func TestGDNForwardMatchesFormula(t *testing.T) {
	g := NewGDN(3, false)
	x := tensor.New(1, 1, 2, 3)
	copy(x.Data, []float32{0.5, -1, 2, 0, 1.5, -0.5})
	out := g.Forward(x, false)

	beta, gamma := g.effective()
	for loc := 0; loc < 2; loc++ {
		for i := 0; i < 3; i++ {
			z := float64(beta[i])
			for j := 0; j < 3; j++ {
				xj := float64(x.Data[loc*3+j])
				z += float64(gamma[i*3+j]) * xj * xj
			}
			want := float64(x.Data[loc*3+i]) / math.Sqrt(z)
			assert.InDelta(t, want, out.Data[loc*3+i], 1e-5)
		}
	}
}

func TestGDNInverseForward(t *testing.T) {
	g := NewGDN(2, true)
	x := tensor.New(1, 1, 1, 2)
	copy(x.Data, []float32{2, -3})
	out := g.Forward(x, false)

	beta, gamma := g.effective()
	for i := 0; i < 2; i++ {
		z := float64(beta[i])
		for j := 0; j < 2; j++ {
			xj := float64(x.Data[j])
			z += float64(gamma[i*2+j]) * xj * xj
		}
		want := float64(x.Data[i]) * math.Sqrt(z)
		assert.InDelta(t, want, out.Data[i], 1e-5)
	}
}

func TestGDNEffectiveInitValues(t *testing.T) {
	g := NewGDN(4, false)
	beta, gamma := g.effective()
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 1.0, beta[i], 1e-5)
		for j := 0; j < 4; j++ {
			if i == j {
				assert.InDelta(t, 0.1, gamma[i*4+j], 1e-5)
			} else {
				assert.InDelta(t, 0.0, gamma[i*4+j], 1e-6)
			}
		}
	}
}

func TestGDNEffectiveNeverNegative(t *testing.T) {
	g := NewGDN(2, false)
	for i := range g.BetaRaw.Data {
		g.BetaRaw.Data[i] = -5
	}
	for i := range g.GammaRaw.Data {
		g.GammaRaw.Data[i] = -5
	}
	beta, gamma := g.effective()
	for _, v := range beta {
		require.GreaterOrEqual(t, v, float32(0))
	}
	for _, v := range gamma {
		require.GreaterOrEqual(t, v, float32(0))
	}
}

// moveOffBounds lifts raw parameters away from their clamp so the finite
// difference sees a smooth function.
func moveOffBounds(g *GDN, rng *rand.Rand) {
	for i := range g.BetaRaw.Data {
		g.BetaRaw.Data[i] = 0.8 + 0.2*float32(rng.Float64())
	}
	for i := range g.GammaRaw.Data {
		g.GammaRaw.Data[i] = 0.2 + 0.3*float32(rng.Float64())
	}
}

func TestGDNGradients(t *testing.T) {
	for _, inverse := range []bool{false, true} {
		rng := rand.New(rand.NewSource(11))
		g := NewGDN(3, inverse)
		moveOffBounds(g, rng)
		x := tensor.New(1, 2, 2, 3)
		for i := range x.Data {
			x.Data[i] = float32(rng.NormFloat64())
		}
		checkInputGradient(t, g, x, 1e-3, 3e-2, 5e-3)
		checkParamGradient(t, g, x, 1e-3, 3e-2, 5e-3)
	}
}

func TestGDNGateBlocksDownhillAtBound(t *testing.T) {
	// A clamped parameter must ignore gradients that push it further down.
	gotUp := reparamGrad(gdnGammaBound/2, gdnGammaBound, -1)
	assert.Negative(t, gotUp, "uphill gradient should pass")
	gotDown := reparamGrad(gdnGammaBound/2, gdnGammaBound, 1)
	assert.Zero(t, gotDown, "downhill gradient should be gated")
}
