package nneval

import (
	"math"

	"gosearch/game"
)

// rawOutput is what a network produces for one request: everything is from the
// perspective of the player to move and laid out on the transformed board.
type rawOutput struct {
	policyLogits     []float32
	optimisticLogits []float32
	// win, loss, no result
	valueLogits [3]float32
	scoreMean   float32
	scoreStdev  float32
	lead        float32
	varTimeLeft float32

	shortTermWinLossError float32
	shortTermScoreError   float32

	// ownership in [-1,1], +1 for the player to move
	ownership []float32
}

// postprocess maps a raw network answer back onto the real board and converts it
// to White's perspective.
func postprocess(req Request, raw *rawOutput) *Output {
	st := req.State
	xSize, ySize := st.XSize(), st.YSize()
	area := xSize * ySize
	sym := req.Symmetry

	logits := make([]float32, area+1)
	legal := make([]bool, area+1)
	for _, loc := range st.LegalMoves() {
		idx := game.PolicyIndex(loc, xSize, ySize)
		legal[idx] = true
		netIdx := area
		if loc != game.PassLoc {
			netIdx = int(st.TransformLoc(loc, sym))
		}
		l := raw.policyLogits[netIdx]
		if req.PolicyOptimism > 0 && raw.optimisticLogits != nil {
			l += float32(req.PolicyOptimism) * (raw.optimisticLogits[netIdx] - l)
		}
		logits[idx] = l
	}
	out := &Output{Policy: maskedSoftmax(logits, legal, req.PolicyTemperature)}

	win, loss, noResult := softmax3(raw.valueLogits)
	sign := 1.0
	if st.Player() == game.White {
		out.WhiteWinProb, out.WhiteLossProb = win, loss
	} else {
		out.WhiteWinProb, out.WhiteLossProb = loss, win
		sign = -1
	}
	out.WhiteNoResultProb = noResult
	mean := float64(raw.scoreMean)
	stdev := float64(raw.scoreStdev)
	out.WhiteScoreMean = sign * mean
	out.WhiteScoreMeanSq = mean*mean + stdev*stdev
	out.WhiteLead = sign * float64(raw.lead)
	out.VarTimeLeft = float64(raw.varTimeLeft)
	out.ShortTermWinLossError = float64(raw.shortTermWinLossError)
	out.ShortTermScoreError = float64(raw.shortTermScoreError)

	if req.IncludeOwnership && raw.ownership != nil {
		out.Ownership = make([]float32, area)
		for loc := 0; loc < area; loc++ {
			v := raw.ownership[st.TransformLoc(game.Loc(loc), sym)]
			out.Ownership[loc] = float32(sign) * v
		}
	}
	return out
}

// maskedSoftmax turns logits into probabilities over the legal entries, scaling
// by 1/temperature first. Illegal entries get -1. If the exponentials degenerate
// the distribution falls back to uniform.
func maskedSoftmax(logits []float32, legal []bool, temperature float64) []float32 {
	if temperature <= 0 {
		temperature = 1
	}
	out := make([]float32, len(logits))
	maxLogit := float32(math.Inf(-1))
	count := 0
	for i, l := range logits {
		if !legal[i] {
			continue
		}
		count++
		if l > maxLogit {
			maxLogit = l
		}
	}
	if count == 0 {
		for i := range out {
			out[i] = -1
		}
		return out
	}

	var sum float64
	for i, l := range logits {
		if !legal[i] {
			out[i] = -1
			continue
		}
		e := math.Exp(float64(l-maxLogit) / temperature)
		out[i] = float32(e)
		sum += e
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		uniform := float32(1.0 / float64(count))
		for i := range out {
			if legal[i] {
				out[i] = uniform
			}
		}
		return out
	}
	for i := range out {
		if legal[i] {
			out[i] = float32(float64(out[i]) / sum)
		}
	}
	return out
}

func softmax3(v [3]float32) (float64, float64, float64) {
	m := v[0]
	if v[1] > m {
		m = v[1]
	}
	if v[2] > m {
		m = v[2]
	}
	e0 := math.Exp(float64(v[0] - m))
	e1 := math.Exp(float64(v[1] - m))
	e2 := math.Exp(float64(v[2] - m))
	sum := e0 + e1 + e2
	return e0 / sum, e1 / sum, e2 / sum
}
