package searcher

import (
	"math"

	"gosearch/game"
)

// edgeEstimate is what selection knows about one edge: the weight behind it,
// virtual losses included, and the mean utility for the selecting player.
func (r *run) edgeEstimate(e *Edge, pla game.Player) (weight, utility float64) {
	c := e.Child()
	if c == nil {
		return 0, 0
	}
	if ev := e.Visits(); ev > 0 {
		if s := c.Stats(); s != nil {
			ratio := 1.0
			if cv := c.Visits(); cv > ev {
				ratio = float64(ev) / float64(cv)
			}
			weight = s.WeightSum * ratio
			utility = forPlayer(pla, s.Utility)
		}
	}
	if vl := float64(c.VirtualLosses()) * r.p.NumVirtualLossesPerThread; vl > 0 {
		loss := forPlayer(pla, r.um.lossUtility(pla))
		utility = (utility*weight + loss*vl) / (weight + vl)
		weight += vl
	}
	return weight, utility
}

// cpuct is the exploration constant for a node whose children carry
// totalWeight, widened when the node's utility is noisy.
func (r *run) cpuct(stats *NodeStats, totalWeight float64) float64 {
	p := &r.p
	c := p.CpuctExploration + p.CpuctExplorationLog*math.Log((totalWeight+p.CpuctExplorationBase)/p.CpuctExplorationBase)
	if p.CpuctUtilityStdevScale > 0 && stats != nil {
		prior := p.CpuctUtilityStdevPrior
		variance := math.Max(0, stats.UtilitySq-stats.Utility*stats.Utility)
		pw := p.CpuctUtilityStdevPriorWeight
		stdev := math.Sqrt((prior*prior*pw + variance*stats.WeightSum) / (pw + stats.WeightSum))
		c *= 1 + p.CpuctUtilityStdevScale*(stdev/prior-1)
	}
	return c
}

// fpu is the value assumed for children no playout has reached yet.
func (r *run) fpu(n *Node, pla game.Player, visitedPolicy float64, isRoot bool) float64 {
	p := &r.p
	reductionMax, lossProp := p.FpuReductionMax, p.FpuLossProp
	if isRoot {
		reductionMax, lossProp = p.RootFpuReductionMax, p.RootFpuLossProp
	}
	parent := forPlayer(pla, n.Stats().Utility)
	nn := forPlayer(pla, r.nnUtility(n))
	var v float64
	if p.FpuParentWeightByVisitedPolicy {
		w := math.Min(1, math.Pow(visitedPolicy, p.FpuParentWeightByVisitedPolicyPow))
		v = w*parent + (1-w)*nn
	} else {
		v = p.FpuParentWeight*nn + (1-p.FpuParentWeight)*parent
	}
	v -= reductionMax * math.Sqrt(visitedPolicy)
	loss := forPlayer(pla, r.um.lossUtility(pla))
	return v + (loss-v)*lossProp
}

// tieTolerance is the share of the exploration scale within which two PUCT
// scores count as equal. Priors only carry float32 precision.
const tieTolerance = 1e-6

// selectEdge returns the index of the edge with the highest PUCT score. Ties
// go to the earlier edge, which is the one with the higher prior.
func (w *worker) selectEdge(n *Node, isRoot bool) int {
	r := w.r
	edges := n.edges
	pla := n.nextPla

	weights := make([]float64, len(edges))
	utilities := make([]float64, len(edges))
	var totalWeight, visitedPolicy float64
	var maxEdgeVisits int64
	for i, e := range edges {
		weights[i], utilities[i] = r.edgeEstimate(e, pla)
		totalWeight += weights[i]
		if ev := e.Visits(); ev > 0 {
			visitedPolicy += r.prior(i, e, isRoot)
			maxEdgeVisits = max(maxEdgeVisits, ev)
		}
	}

	fpu := r.fpu(n, pla, visitedPolicy, isRoot)
	scale := r.cpuct(n.Stats(), totalWeight) * math.Sqrt(totalWeight+0.01)

	var remaining int64
	if isRoot && r.p.FutileVisitsThreshold > 0 {
		remaining = max(0, r.maxVisits-r.budgetVisits())
	}

	tolerance := tieTolerance * max(scale, 1)
	best, bestScore := -1, math.Inf(-1)
	for i, e := range edges {
		if isRoot && !r.rootAllowed[i] {
			continue
		}
		prior := r.prior(i, e, isRoot)
		q := fpu
		if weights[i] > 0 {
			q = utilities[i]
		}
		score := q + scale*prior/(1+weights[i])
		if isRoot {
			ev := e.Visits()
			if r.p.FutileVisitsThreshold > 0 && ev < maxEdgeVisits &&
				float64(ev+remaining) < r.p.FutileVisitsThreshold*float64(maxEdgeVisits) {
				continue
			}
			score -= r.rootPenalty(e.Loc)
			if r.forceExplore(e, prior, weights[i], totalWeight) {
				score = math.MaxFloat64
			}
		}
		if score > bestScore+tolerance {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func (r *run) prior(i int, e *Edge, isRoot bool) float64 {
	if isRoot {
		return r.rootPriors[i]
	}
	return float64(e.Prior)
}

// forceExplore keeps the root from starving moves the policy likes.
func (r *run) forceExplore(e *Edge, prior, weight, totalWeight float64) bool {
	if c := r.p.RootDesiredPerChildVisitsCoeff; c > 0 && prior > 0 {
		if weight < math.Sqrt(c*prior*totalWeight) {
			return true
		}
	}
	return r.p.EnablePassingHacks && e.Loc == game.PassLoc && e.Visits() == 0 &&
		r.rootState.ConsecutivePasses() > 0
}

// rootPenalty discounts root moves that fill the mover's own pass-alive area,
// worth rootEndingBonusPoints of score.
func (r *run) rootPenalty(loc game.Loc) float64 {
	if r.p.RootEndingBonusPoints == 0 || loc == game.PassLoc || r.ownArea == nil || !r.ownArea[loc] {
		return 0
	}
	perPoint := (math.Abs(r.um.static) + math.Abs(r.um.dynamic)) * 2 / math.Pi / r.um.sqrtArea
	return r.p.RootEndingBonusPoints * perPoint
}
