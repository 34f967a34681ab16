package searcher

import (
	"math"

	"golang.org/x/exp/rand"
)

// sampleGamma draws from Gamma(alpha, 1) using Marsaglia and Tsang.
func sampleGamma(rng *rand.Rand, alpha float64) float64 {
	if alpha < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, alpha+1) * math.Pow(u, 1/alpha)
	}
	d := alpha - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// sampleDirichlet fills out with one draw of Dirichlet(alpha).
func sampleDirichlet(rng *rand.Rand, alpha []float64, out []float64) {
	var sum float64
	for i, a := range alpha {
		out[i] = sampleGamma(rng, a)
		sum += out[i]
	}
	if sum <= 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return
	}
	for i := range out {
		out[i] /= sum
	}
}

// addRootNoise mixes Dirichlet noise into priors in place. Half the
// concentration is spread uniformly, half follows the prior's shape.
func addRootNoise(rng *rand.Rand, priors []float64, allowed []bool, concentration, weight float64) {
	var n int
	for i := range priors {
		if allowed[i] {
			n++
		}
	}
	if n == 0 || weight <= 0 {
		return
	}
	alpha := make([]float64, len(priors))
	for i, p := range priors {
		if allowed[i] {
			alpha[i] = concentration * (0.5/float64(n) + 0.5*p)
		}
	}
	noise := make([]float64, len(priors))
	idx := make([]int, 0, n)
	a := make([]float64, 0, n)
	for i := range priors {
		if allowed[i] && alpha[i] > 0 {
			idx = append(idx, i)
			a = append(a, alpha[i])
		}
	}
	draw := make([]float64, len(a))
	sampleDirichlet(rng, a, draw)
	for j, i := range idx {
		noise[i] = draw[j]
	}
	for i := range priors {
		if allowed[i] {
			priors[i] = (1-weight)*priors[i] + weight*noise[i]
		}
	}
}

// temper raises priors to 1/temperature and renormalises.
func temper(priors []float64, temperature float64) {
	if temperature == 1 || temperature <= 0 {
		normalize(priors)
		return
	}
	maxP := 0.0
	for _, p := range priors {
		maxP = math.Max(maxP, p)
	}
	if maxP <= 0 {
		normalize(priors)
		return
	}
	for i, p := range priors {
		if p > 0 {
			priors[i] = math.Exp(math.Log(p/maxP) / temperature)
		}
	}
	normalize(priors)
}

func normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		for i := range v {
			v[i] = 1 / float64(len(v))
		}
		return
	}
	for i := range v {
		v[i] /= sum
	}
}

// decayedTemperature interpolates from early to late with a halflife in turns
// that scales with the board width.
func decayedTemperature(early, late, halflife float64, turn, xSize, ySize int) float64 {
	scaled := halflife * math.Sqrt(float64(xSize*ySize)) / 19
	if scaled <= 0 {
		return late
	}
	return late + (early-late)*math.Pow(0.5, float64(turn)/scaled)
}
