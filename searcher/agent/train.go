package agent

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/nneval"
	"gosearch/searcher"
)

type policyAgent struct {
	eval        nneval.Evaluator
	state       game.State
	temperature float64
	rng         *rand.Rand
}

// NewPolicyAgent returns an agent that plays straight from the evaluator's
// policy without searching, sampling with the given temperature. A temperature
// of zero always plays the most likely move.
func NewPolicyAgent(eval nneval.Evaluator, st game.State, temperature float64, seed uint64) Agent {
	return &policyAgent{
		eval:        eval,
		state:       st,
		temperature: temperature,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (a *policyAgent) FindMove(ctx context.Context, updates []searcher.Segment, _ searcher.TimeControls) (game.Loc, metrics.SearchMetric, error) {
	for _, u := range updates {
		if !a.state.IsLegal(u.Loc) {
			return game.NullLoc, metrics.SearchMetric{}, fmt.Errorf("%w: %s", searcher.ErrIllegalMove, game.LocString(u.Loc, a.state.XSize()))
		}
		a.state = a.state.Play(u.Loc)
	}

	out, err := a.eval.Evaluate(ctx, nneval.Request{State: a.state})
	if err != nil {
		return game.NullLoc, metrics.SearchMetric{}, err
	}
	move := a.chooseMove(out)
	a.state = a.state.Play(move)
	return move, metrics.SearchMetric{Threads: 1, Algorithm: "policy", NNEvals: 1}, nil
}

func (a *policyAgent) chooseMove(out *nneval.Output) game.Loc {
	policy := make(map[game.Loc]float64)
	for _, loc := range a.state.LegalMoves() {
		if p := out.PolicyProb(loc, a.state.XSize(), a.state.YSize()); p > 0 {
			policy[loc] = float64(p)
		}
	}
	switch {
	case len(policy) == 0:
		return game.PassLoc
	case a.temperature <= 0:
		return findMax(policy)
	}
	return sample(a.rng, adjustTemperature(policy, a.temperature))
}

func (a *policyAgent) Ponder(context.Context) error {
	return nil
}

func findMax(policy map[game.Loc]float64) game.Loc {
	maxMove := game.PassLoc
	maxProb := -1.0
	for move, prob := range policy {
		// Ties go to the lower location so that play is reproducible
		if prob > maxProb || (prob == maxProb && move < maxMove) {
			maxProb = prob
			maxMove = move
		}
	}
	return maxMove
}

func adjustTemperature(policy map[game.Loc]float64, temperature float64) map[game.Loc]float64 {
	// Compute temperature-adjusted move probabilities
	exponent := 1.0 / temperature
	sum := 0.0
	adjusted := make(map[game.Loc]float64, len(policy))
	for move, prob := range policy {
		p := math.Pow(prob, exponent)
		sum += p
		adjusted[move] = p
	}
	// Normalize
	for move := range adjusted {
		adjusted[move] /= sum
	}
	return adjusted
}

func sample(rng *rand.Rand, policy map[game.Loc]float64) game.Loc {
	// Map order is random, the draw should only depend on the seed
	moves := make([]game.Loc, 0, len(policy))
	for _, move := range maps.Keys(policy) {
		moves = append(moves, move)
	}
	slices.Sort(moves)

	sampled := rng.Float64()
	cumulative := 0.0
	for _, move := range moves {
		cumulative += policy[move]
		if sampled < cumulative {
			return move
		}
	}
	return moves[len(moves)-1] // Fallback in case of rounding errors
}
