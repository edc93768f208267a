package nn

import (
	"math"
	"math/rand"
)

// heNormal fills data with zero-mean normal values scaled by sqrt(2/fanIn),
// the usual init for convolution kernels feeding ReLU-family nonlinearities.
func heNormal(rng *rand.Rand, data []float32, fanIn int) {
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}
