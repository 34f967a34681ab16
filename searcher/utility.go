package searcher

import (
	"math"

	"gosearch/game"
	"gosearch/nneval"
)

// 10-point Gauss-Hermite rule for E[g(X)], X normal.
var (
	hermiteNodes = [...]float64{
		-3.4361591188377376, -2.5327316742327897, -1.7566836492998818, -1.0366108297895136, -0.3429013272237046,
		0.3429013272237046, 1.0366108297895136, 1.7566836492998818, 2.5327316742327897, 3.4361591188377376,
	}
	hermiteWeights = [...]float64{
		7.640432855232621e-06, 0.0013436457467812327, 0.033874394455481063, 0.2401386110823147, 0.6108626337353258,
		0.6108626337353258, 0.2401386110823147, 0.033874394455481063, 0.0013436457467812327, 7.640432855232621e-06,
	}
)

// expectedUnderNormal integrates g against N(mean, stdev^2).
func expectedUnderNormal(g func(float64) float64, mean, stdev float64) float64 {
	if stdev <= 1e-9 {
		return g(mean)
	}
	var sum float64
	for i, x := range hermiteNodes {
		sum += hermiteWeights[i] * g(mean+math.Sqrt2*stdev*x)
	}
	return sum / math.Sqrt(math.Pi)
}

// utilityModel turns value estimates into a scalar utility. It is fixed for one
// search, so sibling utilities are comparable.
type utilityModel struct {
	winLoss      float64
	static       float64
	dynamic      float64
	dynCenter    float64
	dynScale     float64
	noResult     float64 // for White
	drawWins     float64
	sqrtArea     float64
	allowNoRes   bool
	maxMagnitude float64
}

func newUtilityModel(p Params, st game.State, rootPla game.Player, dynCenter float64) utilityModel {
	noResult := p.NoResultUtilityForWhite
	if rootPla == game.White {
		noResult += p.NoResultUtility
	} else {
		noResult -= p.NoResultUtility
	}
	scale := p.DynamicScoreCenterScale
	if scale <= 0 {
		scale = 1
	}
	m := utilityModel{
		winLoss:    p.WinLossUtilityFactor,
		static:     p.StaticScoreUtilityFactor,
		dynamic:    p.DynamicScoreUtilityFactor,
		dynCenter:  dynCenter,
		dynScale:   scale,
		noResult:   noResult,
		drawWins:   p.DrawEquivalentWinsForWhite,
		sqrtArea:   math.Sqrt(float64(st.XSize() * st.YSize())),
		allowNoRes: p.ForceAllowNoResultPredictions || st.NoResultAllowed(),
	}
	m.maxMagnitude = math.Abs(m.winLoss) + math.Abs(m.static) + math.Abs(m.dynamic) + math.Abs(m.noResult)
	if m.maxMagnitude == 0 {
		m.maxMagnitude = 1
	}
	return m
}

func (m *utilityModel) scoreValue(x float64) float64 {
	return 2 / math.Pi * math.Atan(x/m.sqrtArea)
}

// scoreUtility is the White-perspective score part of the utility given the
// mean and mean square of the final score.
func (m *utilityModel) scoreUtility(mean, meanSq float64) float64 {
	stdev := math.Sqrt(math.Max(0, meanSq-mean*mean))
	var u float64
	if m.static != 0 {
		u += m.static * expectedUnderNormal(m.scoreValue, mean, stdev)
	}
	if m.dynamic != 0 {
		shifted := func(s float64) float64 { return m.scoreValue((s - m.dynCenter) / m.dynScale) }
		u += m.dynamic * expectedUnderNormal(shifted, mean, stdev)
	}
	return u
}

func (m *utilityModel) resultUtility(winLoss, noResult float64) float64 {
	return m.winLoss*winLoss + m.noResult*noResult
}

// nnValues extracts White-perspective winloss and no-result values from an
// evaluation, clearing no-result mass where the rules cannot produce it.
func (m *utilityModel) nnValues(out *nneval.Output) (winLoss, noResult float64) {
	win, loss, nr := out.WhiteWinProb, out.WhiteLossProb, out.WhiteNoResultProb
	if !m.allowNoRes && nr > 0 {
		if win+loss > 0 {
			win, loss = win/(win+loss), loss/(win+loss)
		} else {
			win, loss = 0.5, 0.5
		}
		nr = 0
	}
	return win - loss, nr
}

func (m *utilityModel) nnUtility(out *nneval.Output) float64 {
	wl, nr := m.nnValues(out)
	return m.resultUtility(wl, nr) + m.scoreUtility(out.WhiteScoreMean, out.WhiteScoreMeanSq)
}

// terminalStats values a finished game by its final score.
func (m *utilityModel) terminalStats(st game.State) *NodeStats {
	score := st.FinalWhiteScore()
	var wl float64
	switch {
	case score > 0:
		wl = 1
	case score < 0:
		wl = -1
	default:
		wl = 2*m.drawWins - 1
	}
	u := m.resultUtility(wl, 0) + m.scoreUtility(score, score*score)
	return &NodeStats{
		WinLoss:     wl,
		ScoreMean:   score,
		ScoreMeanSq: score * score,
		Lead:        score,
		Utility:     u,
		UtilitySq:   u * u,
		WeightSum:   1,
		WeightSqSum: 1,
	}
}

// lossUtility is the worst utility for pla, in White's perspective.
func (m *utilityModel) lossUtility(pla game.Player) float64 {
	if pla == game.White {
		return -m.maxMagnitude
	}
	return m.maxMagnitude
}

// uncertaintyWeight maps the evaluator's short-term error estimates to the
// weight of its own value in the node average.
func uncertaintyWeight(p Params, m *utilityModel, out *nneval.Output) float64 {
	if !p.UseUncertainty {
		return 1
	}
	scoreScale := (math.Abs(m.static) + math.Abs(m.dynamic)) / m.sqrtArea
	u := math.Abs(m.winLoss)*out.ShortTermWinLossError + scoreScale*out.ShortTermScoreError
	return p.UncertaintyCoeff / (math.Pow(u, p.UncertaintyExponent) + p.UncertaintyCoeff/p.UncertaintyMaxWeight)
}

// dynamicScoreCenter moves the root score estimate toward zero, by at most a
// fifth of the board width.
func dynamicScoreCenter(p Params, st game.State, rootScore float64) float64 {
	sqrtArea := math.Sqrt(float64(st.XSize() * st.YSize()))
	center := rootScore * (1 - p.DynamicScoreCenterZeroWeight)
	maxShift := 0.2 * sqrtArea
	switch {
	case center > rootScore+maxShift:
		center = rootScore + maxShift
	case center < rootScore-maxShift:
		center = rootScore - maxShift
	}
	return center
}

func forPlayer(pla game.Player, whiteValue float64) float64 {
	if pla == game.White {
		return whiteValue
	}
	return -whiteValue
}
