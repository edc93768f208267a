package nn

import (
	"math"
	"testing"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// scalarLoss reduces a layer output to a scalar with fixed, index-dependent
// weights so every output element influences the loss.
func scalarLoss(out *tensor.Tensor) float64 {
	var sum float64
	for i, v := range out.Data {
		sum += float64(v) * lossWeight(i)
	}
	return sum
}

func lossWeight(i int) float64 {
	return math.Sin(float64(i)*0.7) + 0.1
}

// checkInputGradient compares Backward against central differences on a
// sample of input positions.
func checkInputGradient(t *testing.T, layer Layer, x *tensor.Tensor, h float64, relTol, absTol float64) {
	t.Helper()
	out := layer.Forward(x, true)
	grad := tensor.ZerosLike(out)
	for i := range grad.Data {
		grad.Data[i] = float32(lossWeight(i))
	}
	gin := layer.Backward(grad)

	step := len(x.Data)/7 + 1
	for i := 0; i < len(x.Data); i += step {
		orig := x.Data[i]
		x.Data[i] = orig + float32(h)
		plus := scalarLoss(layer.Forward(x, false))
		x.Data[i] = orig - float32(h)
		minus := scalarLoss(layer.Forward(x, false))
		x.Data[i] = orig

		numeric := (plus - minus) / (2 * h)
		analytic := float64(gin.Data[i])
		assertClose(t, "input", i, analytic, numeric, relTol, absTol)
	}
	// Restore the cached state for any follow-up checks.
	layer.Forward(x, true)
}

// checkParamGradient compares accumulated parameter gradients against
// central differences on a sample of parameter positions.
func checkParamGradient(t *testing.T, layer Layer, x *tensor.Tensor, h float64, relTol, absTol float64) {
	t.Helper()
	out := layer.Forward(x, true)
	for _, p := range layer.Params() {
		p.ZeroGrad()
	}
	grad := tensor.ZerosLike(out)
	for i := range grad.Data {
		grad.Data[i] = float32(lossWeight(i))
	}
	layer.Backward(grad)

	for pi, p := range layer.Params() {
		step := len(p.Data)/5 + 1
		for i := 0; i < len(p.Data); i += step {
			orig := p.Data[i]
			p.Data[i] = orig + float32(h)
			plus := scalarLoss(layer.Forward(x, false))
			p.Data[i] = orig - float32(h)
			minus := scalarLoss(layer.Forward(x, false))
			p.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := float64(p.Grad[i])
			assertClose(t, "param", pi*1000000+i, analytic, numeric, relTol, absTol)
		}
	}
}

func assertClose(t *testing.T, kind string, idx int, analytic, numeric, relTol, absTol float64) {
	t.Helper()
	diff := math.Abs(analytic - numeric)
	scale := math.Max(math.Abs(analytic), math.Abs(numeric))
	if diff > absTol && diff > relTol*scale {
		t.Errorf("%s gradient %d: analytic %.6g vs numeric %.6g (diff %.3g)", kind, idx, analytic, numeric, diff)
	}
}
