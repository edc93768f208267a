package entropy

import (
	"math"
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/nn"
)

// defaultFactorizedFilters are the hidden widths of the density chain.
var defaultFactorizedFilters = []int{3, 3, 3}

const factorizedInitScale = 10.0

// tableHalfLimit caps how far the tail search may wander, which bounds the
// size of any frozen table even for badly conditioned parameters.
const tableHalfLimit = 4096

// DeepFactorized is a learned univariate density, one independent set of
// parameters per channel. Each channel models its marginal with a chain of
// monotone 1->3->3->3->1 maps whose logistic output gives the CDF; the
// likelihood of a unit quantization bin is the CDF difference across the
// bin, evaluated with a sign trick that stays accurate in both tails.
//
// Training, rate estimation and table construction run on one goroutine;
// the struct keeps reusable evaluation scratch and is not safe for
// concurrent use. Frozen coding never touches it.
type DeepFactorized struct {
	Channels int

	dims     []int
	matrices []*nn.Param
	biases   []*nn.Param
	factors  []*nn.Param

	eval [2]chainEval
	grad chainGrad
}

// chainEval caches one forward pass through the density chain so the
// matching backward pass can reuse the stage inputs.
type chainEval struct {
	inputs [][]float64 // per stage, the input vector
	tanhs  [][]float64 // per non-final stage, tanh of the pre-factor value
}

type chainGrad struct {
	cur  []float64
	next []float64
}

// NewDeepFactorized builds a factorized prior over the given number of
// channels with freshly initialized parameters.
func NewDeepFactorized(channels int, rng *rand.Rand) *DeepFactorized {
	filters := defaultFactorizedFilters
	dims := make([]int, 0, len(filters)+2)
	dims = append(dims, 1)
	dims = append(dims, filters...)
	dims = append(dims, 1)

	stages := len(dims) - 1
	d := &DeepFactorized{
		Channels: channels,
		dims:     dims,
		matrices: make([]*nn.Param, stages),
		biases:   make([]*nn.Param, stages),
		factors:  make([]*nn.Param, stages-1),
	}

	initScale := math.Pow(factorizedInitScale, 1/float64(stages))
	maxWidth := 0
	for k := 0; k < stages; k++ {
		fanIn, fanOut := dims[k], dims[k+1]
		if fanOut > maxWidth {
			maxWidth = fanOut
		}

		m := nn.NewParam(channels * fanOut * fanIn)
		hInit := float32(math.Log(math.Expm1(1 / (initScale * float64(fanOut)))))
		for i := range m.Data {
			m.Data[i] = hInit
		}
		d.matrices[k] = m

		b := nn.NewParam(channels * fanOut)
		for i := range b.Data {
			b.Data[i] = rng.Float32() - 0.5
		}
		d.biases[k] = b

		if k < stages-1 {
			d.factors[k] = nn.NewParam(channels * fanOut)
		}
	}

	for bank := range d.eval {
		d.eval[bank].inputs = make([][]float64, stages)
		d.eval[bank].tanhs = make([][]float64, stages)
		for k := 0; k < stages; k++ {
			d.eval[bank].inputs[k] = make([]float64, dims[k])
			d.eval[bank].tanhs[k] = make([]float64, dims[k+1])
		}
	}
	d.grad.cur = make([]float64, maxWidth)
	d.grad.next = make([]float64, maxWidth)
	return d
}

// Params returns every trainable parameter of the prior.
func (d *DeepFactorized) Params() []*nn.Param {
	params := make([]*nn.Param, 0, len(d.matrices)+len(d.biases)+len(d.factors))
	params = append(params, d.matrices...)
	params = append(params, d.biases...)
	params = append(params, d.factors...)
	return params
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// logits runs the density chain for channel c at value v, caching the
// stage inputs and activations in the given bank. The returned logit is
// the log-odds of the underlying CDF at v.
func (d *DeepFactorized) logits(c int, v float64, bank int) float64 {
	ev := &d.eval[bank]
	stages := len(d.dims) - 1

	ev.inputs[0][0] = v
	for k := 0; k < stages; k++ {
		fanIn, fanOut := d.dims[k], d.dims[k+1]
		in := ev.inputs[k]
		var out []float64
		if k+1 < stages {
			out = ev.inputs[k+1]
		} else {
			out = ev.tanhs[k][:1] // final stage output, no factor follows
		}

		hRaw := d.matrices[k].Data[c*fanOut*fanIn:]
		bias := d.biases[k].Data[c*fanOut:]
		for o := 0; o < fanOut; o++ {
			acc := float64(bias[o])
			row := hRaw[o*fanIn : o*fanIn+fanIn]
			for i := 0; i < fanIn; i++ {
				acc += softplus(float64(row[i])) * in[i]
			}
			out[o] = acc
		}

		if k < stages-1 {
			factor := d.factors[k].Data[c*fanOut:]
			th := ev.tanhs[k]
			for o := 0; o < fanOut; o++ {
				th[o] = math.Tanh(out[o])
				out[o] += float64(factor[o]) * th[o]
			}
		}
	}
	return ev.tanhs[stages-1][0]
}

// logitsBackward propagates g, the loss gradient of the logit produced by
// the matching logits call, back through the cached bank. Parameter
// gradients accumulate in place; the return value is the gradient with
// respect to the input v.
func (d *DeepFactorized) logitsBackward(c int, g float64, bank int) float64 {
	ev := &d.eval[bank]
	stages := len(d.dims) - 1

	cur := d.grad.cur
	cur[0] = g
	for k := stages - 1; k >= 0; k-- {
		fanIn, fanOut := d.dims[k], d.dims[k+1]
		in := ev.inputs[k]

		if k < stages-1 {
			factor := d.factors[k].Data[c*fanOut:]
			factorGrad := d.factors[k].Grad[c*fanOut:]
			th := ev.tanhs[k]
			for o := 0; o < fanOut; o++ {
				factorGrad[o] += float32(cur[o] * th[o])
				cur[o] *= 1 + float64(factor[o])*(1-th[o]*th[o])
			}
		}

		hRaw := d.matrices[k].Data[c*fanOut*fanIn:]
		hGrad := d.matrices[k].Grad[c*fanOut*fanIn:]
		biasGrad := d.biases[k].Grad[c*fanOut:]
		next := d.grad.next[:fanIn]
		for i := range next {
			next[i] = 0
		}
		for o := 0; o < fanOut; o++ {
			gOut := cur[o]
			biasGrad[o] += float32(gOut)
			row := hRaw[o*fanIn : o*fanIn+fanIn]
			gRow := hGrad[o*fanIn : o*fanIn+fanIn]
			for i := 0; i < fanIn; i++ {
				raw := float64(row[i])
				gRow[i] += float32(gOut * in[i] * sigmoid(raw))
				next[i] += gOut * softplus(raw)
			}
		}
		copy(cur, next)
	}
	return cur[0]
}

// Likelihood returns the probability mass that channel c assigns to a unit
// bin centered on v.
func (d *DeepFactorized) Likelihood(c int, v float64) float64 {
	lower := d.logits(c, v-0.5, 0)
	upper := d.logits(c, v+0.5, 0)
	p, _ := binLikelihood(lower, upper)
	return p
}

// RateBackward accumulates parameter gradients for the loss term
// scale*bits(v) under channel c and returns its gradient with respect to v.
func (d *DeepFactorized) RateBackward(c int, v float64, scale float64) float64 {
	lower := d.logits(c, v-0.5, 0)
	upper := d.logits(c, v+0.5, 1)
	p, sign := binLikelihood(lower, upper)

	gP := scale * bitsGradFactor(p)
	sLo := sigmoid(sign * lower)
	sUp := sigmoid(sign * upper)
	q := sUp - sLo
	var sq float64
	switch {
	case q > 0:
		sq = 1
	case q < 0:
		sq = -1
	}
	gUpper := gP * sq * sign * sUp * (1 - sUp)
	gLower := -gP * sq * sign * sLo * (1 - sLo)

	dv := d.logitsBackward(c, gUpper, 1)
	dv += d.logitsBackward(c, gLower, 0)
	return dv
}

// binLikelihood turns the two bin-edge logits into a probability. Flipping
// both edges to whichever tail is further from the median keeps the
// sigmoid difference from cancelling catastrophically.
func binLikelihood(lower, upper float64) (p, sign float64) {
	sign = 1
	if lower+upper > 0 {
		sign = -1
	}
	p = math.Abs(sigmoid(sign*upper) - sigmoid(sign*lower))
	return p, sign
}

// pmfRange locates the integer interval that holds all but tailMass of the
// channel's probability. It brackets the two tail quantiles of the chain
// CDF by bisection and widens to include zero.
func (d *DeepFactorized) pmfRange(c int, tailMass float64) (qmin, qmax int) {
	target := math.Log(tailMass / 2 / (1 - tailMass/2))
	lowerTail := d.tailQuantile(c, target)
	upperTail := d.tailQuantile(c, -target)

	qmin = int(math.Floor(lowerTail))
	qmax = int(math.Ceil(upperTail))
	if qmin > 0 {
		qmin = 0
	}
	if qmax < 0 {
		qmax = 0
	}
	if qmin < -tableHalfLimit {
		qmin = -tableHalfLimit
	}
	if qmax > tableHalfLimit {
		qmax = tableHalfLimit
	}
	return qmin, qmax
}

// tailQuantile bisects for the value whose chain logit crosses the target.
func (d *DeepFactorized) tailQuantile(c int, logitTarget float64) float64 {
	lo, hi := -float64(tableHalfLimit), float64(tableHalfLimit)
	if d.logits(c, lo, 0) >= logitTarget {
		return lo
	}
	if d.logits(c, hi, 0) <= logitTarget {
		return hi
	}
	for i := 0; i < 60; i++ {
		mid := 0.5 * (lo + hi)
		if d.logits(c, mid, 0) < logitTarget {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}
