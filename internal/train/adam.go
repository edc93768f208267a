// Package train drives the rate-distortion optimization of a codec model:
// Adam updates over streamed patch batches, a stepped learning-rate
// schedule, per-epoch validation and checkpoints, and an optional
// Prometheus metrics endpoint.
package train

import (
	"math"

	"github.com/MeKo-Tech/charm/internal/nn"
)

// Adam applies the Adam update rule with bias-corrected moment estimates.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	step int
	m    [][]float32
	v    [][]float32

	params []*nn.Param
}

// NewAdam creates an optimizer over params with the given learning rate
// and the usual moment decay rates (0.9, 0.999).
func NewAdam(params []*nn.Param, lr float64) *Adam {
	a := &Adam{
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, len(p.Data))
		a.v[i] = make([]float32, len(p.Data))
	}
	return a
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.lr }

// SetLearningRate changes the learning rate for subsequent steps.
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() int { return a.step }

// Step applies one update from the accumulated gradients. Gradients are
// left untouched; the caller decides when to zero them.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			gf := float64(g)
			mj := a.beta1*float64(m[j]) + (1-a.beta1)*gf
			vj := a.beta2*float64(v[j]) + (1-a.beta2)*gf*gf
			m[j] = float32(mj)
			v[j] = float32(vj)
			p.Data[j] -= float32(a.lr * (mj / c1) / (math.Sqrt(vj/c2) + a.eps))
		}
	}
}
