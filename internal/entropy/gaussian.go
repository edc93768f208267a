package entropy

import "math"

// likelihoodFloor keeps rate terms finite when a value lands far out in a
// tail. Probabilities below it are clamped before taking logs; gradients
// still flow from the unclamped density so training can pull the value back.
const likelihoodFloor = 1.0 / (1 << 30)

const invSqrt2 = 0.7071067811865476
const invSqrt2Pi = 0.3989422804014327

// stdNormalCDF evaluates the standard normal CDF via the complementary
// error function, which stays accurate deep into the lower tail.
func stdNormalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x*invSqrt2)
}

func stdNormalPDF(x float64) float64 {
	return invSqrt2Pi * math.Exp(-0.5*x*x)
}

// gaussianLikelihood returns the probability that a unit-width quantization
// bin centered on value captures a N(mu, scale) variable,
//
//	p = CDF((d+1/2)/scale) - CDF((d-1/2)/scale), d = value - mu,
//
// together with its partial derivatives with respect to value and scale.
// The derivative with respect to mu is the negated value derivative.
func gaussianLikelihood(value, mu, scale float64) (p, dValue, dScale float64) {
	d := value - mu
	upper := (d + 0.5) / scale
	lower := (d - 0.5) / scale
	p = stdNormalCDF(upper) - stdNormalCDF(lower)
	pdfU := stdNormalPDF(upper)
	pdfL := stdNormalPDF(lower)
	dValue = (pdfU - pdfL) / scale
	dScale = -(pdfU*upper - pdfL*lower) / scale
	return p, dValue, dScale
}

// bitsFromLikelihood converts a probability into an information content in
// bits, applying the likelihood floor.
func bitsFromLikelihood(p float64) float64 {
	if p < likelihoodFloor {
		p = likelihoodFloor
	}
	return -math.Log2(p)
}

// bitsGradFactor is the derivative of bitsFromLikelihood with respect to
// the unclamped likelihood. Below the floor the log argument is pinned, but
// the factor keeps its finite clamped magnitude so gradients keep pointing
// values back toward probable regions instead of vanishing.
func bitsGradFactor(p float64) float64 {
	if p < likelihoodFloor {
		p = likelihoodFloor
	}
	return -1.0 / (p * math.Ln2)
}
