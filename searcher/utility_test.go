package searcher

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"gosearch/game"
	"gosearch/nneval"
)

func TestUtilityModel(t *testing.T) {
	p := ParamsForTests()
	st := newMockState(25, 10)
	m := newUtilityModel(p, st, game.Black, 0)

	t.Run("renormalising no-result mass the rules cannot produce", func(t *testing.T) {
		wl, nr := m.nnValues(&nneval.Output{WhiteWinProb: 0.3, WhiteLossProb: 0.5, WhiteNoResultProb: 0.2})

		require.InDelta(t, 0.375-0.625, wl, 1e-9)
		require.Zero(t, nr)
	})

	t.Run("valuing scores antisymmetrically", func(t *testing.T) {
		require.InDelta(t, -m.scoreUtility(-4, 25), m.scoreUtility(4, 25), 1e-9)
		require.Greater(t, m.scoreUtility(4, 16), 0.0)
	})

	t.Run("spreading score uncertainty toward zero", func(t *testing.T) {
		sharp := m.scoreUtility(10, 100)
		blurred := m.scoreUtility(10, 100+400)

		require.Less(t, blurred, sharp, "The arctangent saturates, so spread lowers the expected value")
	})

	t.Run("scoring a finished game", func(t *testing.T) {
		b, err := game.ParseBoard([]string{
			".X.O.",
			".X.O.",
			".X.O.",
			".X.O.",
			".X.O.",
		}, game.Black, 0.5)
		require.NoError(t, err)
		bm := newUtilityModel(p, b, game.Black, 0)

		stats := bm.terminalStats(b)

		require.Equal(t, 1.0, stats.WinLoss, "White wins by komi")
		require.Equal(t, 0.5, stats.ScoreMean)
		require.Greater(t, stats.Utility, 1.0)
		require.Equal(t, 1.0, stats.WeightSum)
	})

	t.Run("scoring a draw by the draw equivalence", func(t *testing.T) {
		stats := m.terminalStats(st)

		require.Equal(t, 2*p.DrawEquivalentWinsForWhite-1, stats.WinLoss)
	})

	t.Run("losing as badly as the utility allows", func(t *testing.T) {
		require.Equal(t, -m.lossUtility(game.Black), m.lossUtility(game.White))
		require.Greater(t, m.lossUtility(game.Black), 0.0, "Black's worst case is White's best")
	})
}

func TestUncertaintyWeight(t *testing.T) {
	p := DefaultParams()
	m := newUtilityModel(p, newMockState(19, 10), game.Black, 0)

	t.Run("capping confident evaluations at the max weight", func(t *testing.T) {
		w := uncertaintyWeight(p, &m, &nneval.Output{})

		require.InDelta(t, p.UncertaintyMaxWeight, w, 1e-9)
	})

	t.Run("weighting uncertain evaluations less", func(t *testing.T) {
		sure := uncertaintyWeight(p, &m, &nneval.Output{ShortTermWinLossError: 0.05})
		unsure := uncertaintyWeight(p, &m, &nneval.Output{ShortTermWinLossError: 0.5})

		require.Less(t, unsure, sure)
	})

	t.Run("giving unit weight when disabled", func(t *testing.T) {
		p := p
		p.UseUncertainty = false

		require.Equal(t, 1.0, uncertaintyWeight(p, &m, &nneval.Output{ShortTermWinLossError: 0.5}))
	})
}

func TestDynamicScoreCenter(t *testing.T) {
	p := DefaultParams()
	st := newMockState(25, 10) // sqrt area 5, shift at most 1

	require.InDelta(t, 1.6, dynamicScoreCenter(p, st, 2), 1e-9)
	require.InDelta(t, 9, dynamicScoreCenter(p, st, 10), 1e-9, "Large scores should move by at most a fifth of the width")
	require.InDelta(t, -9, dynamicScoreCenter(p, st, -10), 1e-9)
}

func TestExpectedUnderNormal(t *testing.T) {
	require.InDelta(t, 3, expectedUnderNormal(func(x float64) float64 { return x }, 3, 2), 1e-9)
	require.InDelta(t, 9+4, expectedUnderNormal(func(x float64) float64 { return x * x }, 3, 2), 1e-9)
	require.InDelta(t, math.Atan(1), expectedUnderNormal(math.Atan, 1, 0), 1e-12)
}

func TestValueBias(t *testing.T) {
	table := newBiasTable(4)
	key := biasKey(newMockState(3, 5).Play(1), 2)

	t.Run("sharing entries between identical local situations", func(t *testing.T) {
		require.Same(t, table.entry(key), table.entry(key))
		require.Equal(t, 1, table.Len())
	})

	t.Run("averaging contributions by weight", func(t *testing.T) {
		a := &Node{bias: table.entry(key)}
		b := &Node{bias: table.entry(key)}

		table.update(a, 0.2, 2)
		table.update(b, 0.4, 1)
		require.InDelta(t, 0.8/3, a.bias.mean(), 1e-9)

		table.update(a, 0.1, 2)
		require.InDelta(t, 0.6/3, a.bias.mean(), 1e-9, "An update should replace the node's previous contribution")

		table.release(a, 1)
		require.InDelta(t, 0.4, b.bias.mean(), 1e-9)
	})

	t.Run("reading zero from an empty entry", func(t *testing.T) {
		require.Zero(t, table.entry(key+1).mean())
	})
}

func TestRootNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	t.Run("drawing a distribution", func(t *testing.T) {
		out := make([]float64, 5)

		sampleDirichlet(rng, []float64{0.3, 0.3, 0.3, 2, 2}, out)

		var sum float64
		for _, v := range out {
			require.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		require.InDelta(t, 1, sum, 1e-9)
	})

	t.Run("leaving filtered moves untouched", func(t *testing.T) {
		priors := []float64{0.5, 0.3, 0.2, 0}
		allowed := []bool{true, true, true, false}

		addRootNoise(rng, priors, allowed, 10.83, 0.25)

		require.Zero(t, priors[3])
		require.InDelta(t, 1, priors[0]+priors[1]+priors[2], 1e-9)
		require.GreaterOrEqual(t, priors[0], 0.5*0.75, "Noise should keep most of the prior")
	})

	t.Run("sharpening with a low temperature", func(t *testing.T) {
		priors := []float64{0.6, 0.3, 0.1}

		temper(priors, 0.5)

		require.InDelta(t, 0.36/0.46, priors[0], 1e-9)
		require.InDelta(t, 1, priors[0]+priors[1]+priors[2], 1e-9)
	})

	t.Run("halving the temperature gap every halflife", func(t *testing.T) {
		early, late := decayedTemperature(1, 0.2, 19, 0, 19, 19), decayedTemperature(1, 0.2, 19, 19, 19, 19)

		require.InDelta(t, 1, early, 1e-9)
		require.InDelta(t, 0.6, late, 1e-9)
		require.InDelta(t, 0.6, decayedTemperature(1, 0.2, 19, 9, 9, 9), 1e-9, "Halflife should scale with the board width")
	})
}

func TestMoveChoice(t *testing.T) {
	t.Run("preferring a tighter bound over more visits", func(t *testing.T) {
		cands := []lcbCandidate{
			{visits: 100, utility: 0.50, stderr: 0.05},
			{visits: 40, utility: 0.60, stderr: 0.03},
		}

		require.Equal(t, 1, lcbSelect(cands, 2, 0.25))
		require.Equal(t, 0, lcbSelect(cands, 2, 0.5), "Candidates below the visit proportion should not compete")
	})

	t.Run("raising the bound's pick above the most visited move", func(t *testing.T) {
		cands := []lcbCandidate{
			{visits: 100, utility: 0.50, stderr: 0.05},
			{visits: 40, utility: 0.60, stderr: 0.03},
		}

		// 0.45 clears 0.25 by 0.2, 1.8 of the other move's radii
		require.InDelta(t, 1.8*1.8*100, lcbValue(cands, []float64{100, 40}, 1, 5), 1e-9)
		require.Equal(t, 100.0, lcbValue(cands, []float64{100, 40}, 0, 5), "A worse bound should earn no bonus")
	})

	t.Run("keeping the bound's pick when sampling with temperature", func(t *testing.T) {
		p := DefaultParams()
		rng := rand.New(rand.NewSource(11))

		chosen := 0
		for i := 0; i < 1000; i++ {
			cands := []moveCandidate{
				{loc: 3, visits: 100, value: 100, lcb: lcbCandidate{visits: 100, utility: 0.50, stderr: 0.05}},
				{loc: 5, visits: 40, value: 40, lcb: lcbCandidate{visits: 40, utility: 0.60, stderr: 0.03}},
			}
			if pickMove(cands, p, true, 0.1, rng) == 5 {
				chosen++
			}
		}

		require.Greater(t, chosen, 990, "The move with the better bound should be played almost always")
	})

	t.Run("falling back to the prior without visits", func(t *testing.T) {
		cands := []moveCandidate{{loc: 3, prior: 0.2}, {loc: 5, prior: 0.7}, {loc: 1, prior: 0.1}}

		require.Equal(t, game.Loc(5), fallbackMove(cands))
	})

	t.Run("passing back only when ahead", func(t *testing.T) {
		b, err := game.ParseBoard([]string{"X..", "...", "..."}, game.White, 0)
		require.NoError(t, err)

		require.False(t, winsByPassing(b), "Nobody has passed yet")
		require.False(t, winsByPassing(b.Play(game.PassLoc).Play(1)), "The pass was answered")
		require.True(t, winsByPassing(b.Play(game.PassLoc)), "Black owns the empty board")
	})
}

func TestTimeControls(t *testing.T) {
	p := DefaultParams()
	p.MidgameTimeFactor = 2

	t.Run("peaking in the midgame", func(t *testing.T) {
		opening := newMockState(361, 1000)
		peak := newMockState(361, 1000)
		peak.played = make([]game.Loc, int(p.MidgameTurnPeakTime))

		require.InDelta(t, 1, midgameFactor(p, opening), 1e-9)
		require.InDelta(t, 2, midgameFactor(p, peak), 1e-9)
	})

	t.Run("decaying toward the endgame", func(t *testing.T) {
		late := newMockState(361, 1000)
		late.played = make([]game.Loc, int(p.MidgameTurnPeakTime+p.EndgameTurnTimeDecay))

		require.InDelta(t, 1+math.Exp(-1), midgameFactor(p, late), 1e-9)
	})

	t.Run("treating the zero value as no clock", func(t *testing.T) {
		require.True(t, TimeControls{}.Unlimited())
		require.False(t, TimeControls{MainTimeLeft: 1}.Unlimited())
		require.True(t, TimeControls{ByoYomiPeriods: 3}.Unlimited(), "Byo-yomi needs a period length")
	})
}
