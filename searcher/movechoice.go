package searcher

import (
	"math"

	"golang.org/x/exp/rand"

	"gosearch/game"
)

type lcbCandidate struct {
	visits  float64
	utility float64
	stderr  float64
}

// lcbSelect returns the candidate with the best lower confidence bound among
// those with at least minVisitProp of the most visited candidate's visits.
func lcbSelect(cands []lcbCandidate, stdevs, minVisitProp float64) int {
	top := -1
	for i, c := range cands {
		if top < 0 || c.visits > cands[top].visits {
			top = i
		}
	}
	if top < 0 {
		return -1
	}
	best, bestLcb := top, cands[top].utility-stdevs*cands[top].stderr
	for i, c := range cands {
		if c.visits <= 0 || c.visits < minVisitProp*cands[top].visits {
			continue
		}
		if lcb := c.utility - stdevs*c.stderr; lcb > bestLcb {
			best, bestLcb = i, lcb
		}
	}
	return best
}

// lcbValue is the selection value for the candidate at best, raised so that
// it leads every other candidate in proportion to how far its bound clears
// theirs. A bound that beats another by k of that one's radii earns (k+1)^2
// times its visits.
func lcbValue(cands []lcbCandidate, values []float64, best int, stdevs float64) float64 {
	bestLcb := cands[best].utility - stdevs*cands[best].stderr
	value := values[best]
	for i, c := range cands {
		if i == best || c.visits <= 0 || values[i] <= 0 {
			continue
		}
		radius := stdevs * c.stderr
		excess := bestLcb - (c.utility - radius)
		if excess < 0 {
			continue
		}
		factor := (radius + excess) / (radius + 1e-20)
		value = max(value, values[i]*factor*factor)
	}
	return value
}

type moveCandidate struct {
	loc    game.Loc
	visits int64
	prior  float64
	value  float64
	lcb    lcbCandidate
}

// candidates lists the root moves the filter allows with their statistics
// from the mover's point of view.
func (r *run) candidates() []moveCandidate {
	pla := r.rootState.Player()
	edges := r.root.Edges()
	cands := make([]moveCandidate, 0, len(edges))
	for i, e := range edges {
		if r.rootAllowed != nil && !r.rootAllowed[i] {
			continue
		}
		c := moveCandidate{loc: e.Loc, visits: e.Visits(), prior: r.prior(i, e, true)}
		if child := e.Child(); child != nil && c.visits > 0 {
			if s := child.Stats(); s != nil {
				c.lcb = lcbCandidate{
					visits:  float64(c.visits),
					utility: forPlayer(pla, s.Utility),
					stderr:  math.Sqrt(utilityStderrSq(s)),
				}
			}
		}
		c.value = float64(c.visits)
		cands = append(cands, c)
	}
	return cands
}

// chooseMove picks the move to play once the search is over.
func (r *run) chooseMove(w *worker) game.Loc {
	st := r.rootState
	temperature := decayedTemperature(r.p.ChosenMoveTemperatureEarly, r.p.ChosenMoveTemperature,
		r.p.ChosenMoveTemperatureHalflife, st.Turn(), st.XSize(), st.YSize())
	return r.pick(temperature, w.rng)
}

// bestMove is the move chooseMove plays without temperature.
func (r *run) bestMove() game.Loc {
	return r.pick(0, nil)
}

func (r *run) pick(temperature float64, rng *rand.Rand) game.Loc {
	st := r.rootState
	edges := r.root.Edges()
	if st.IsTerminal() || len(edges) == 0 {
		return game.PassLoc
	}
	if r.p.ForceWinningPass && winsByPassing(st) {
		return game.PassLoc
	}
	cands := r.candidates()
	if r.passMustEarn {
		cands = r.withoutUnearnedPass(cands)
	}
	if len(cands) == 0 {
		return game.PassLoc
	}
	useLcb := r.p.UseLcbForSelection || (r.s.selfPlay && r.p.UseLcbForSelfplayMove)
	return pickMove(cands, r.p, useLcb, temperature, rng)
}

// selectionValues turns visit counts into the values moves are chosen by: the
// LCB winner gets its bonus, then small values are pruned. It reports whether
// any value is left.
func selectionValues(cands []moveCandidate, p Params, useLcb bool) bool {
	if useLcb {
		lcbs := make([]lcbCandidate, len(cands))
		values := make([]float64, len(cands))
		for i, c := range cands {
			lcbs[i] = c.lcb
			values[i] = c.value
		}
		if best := lcbSelect(lcbs, p.LcbStdevs, p.MinVisitPropForLCB); best >= 0 {
			cands[best].value = lcbValue(lcbs, values, best, p.LcbStdevs)
		}
	}

	var visited bool
	for i := range cands {
		v := cands[i].value - p.ChosenMoveSubtract
		if v < p.ChosenMovePrune {
			v = 0
		}
		cands[i].value = v
		visited = visited || v > 0
	}
	return visited
}

// pickMove plays the highest value, or samples the values raised to
// 1/temperature.
func pickMove(cands []moveCandidate, p Params, useLcb bool, temperature float64, rng *rand.Rand) game.Loc {
	if !selectionValues(cands, p, useLcb) {
		return fallbackMove(cands)
	}
	if temperature <= 1e-4 {
		best := 0
		for i, c := range cands {
			if c.value > cands[best].value {
				best = i
			}
		}
		return cands[best].loc
	}
	weights := make([]float64, len(cands))
	for i, c := range cands {
		weights[i] = c.value
	}
	temper(weights, temperature)
	x := rng.Float64()
	for i, wt := range weights {
		x -= wt
		if x < 0 {
			return cands[i].loc
		}
	}
	return cands[len(cands)-1].loc
}

// fallbackMove is the most visited candidate, or the highest prior one when
// none was visited.
func fallbackMove(cands []moveCandidate) game.Loc {
	best := 0
	for i, c := range cands {
		if c.visits > cands[best].visits || (c.visits == cands[best].visits && c.prior > cands[best].prior) {
			best = i
		}
	}
	return cands[best].loc
}

// winsByPassing reports whether the opponent just passed and passing back
// ends the game with the mover ahead.
func winsByPassing(st game.State) bool {
	if st.ConsecutivePasses() == 0 || !st.IsLegal(game.PassLoc) {
		return false
	}
	next := st.Play(game.PassLoc)
	if !next.IsTerminal() {
		return false
	}
	return forPlayer(st.Player(), next.FinalWhiteScore()) > 0
}

// ChooseMove picks a move from the graph built by the last search from the
// current root, or the highest prior legal move when there is none.
func (s *Search) ChooseMove() game.Loc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.last.Load()
	if r == nil || r.root != s.root {
		return s.priorMove()
	}
	return r.chooseMove(s.workerFor(r, 1<<21))
}

func (s *Search) priorMove() game.Loc {
	edges := s.root.Edges()
	if len(edges) == 0 {
		return game.PassLoc
	}
	return edges[0].Loc
}
