package searcher

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"

	"gosearch/game"
	"gosearch/nneval"
)

// run holds everything that stays fixed for the duration of one search.
type run struct {
	s         *Search
	p         Params
	um        utilityModel
	algo      algorithm
	rootPla   game.Player
	pdaPla    game.Player
	rootState game.State
	root      *Node
	// real game occurrences of each fingerprint, root included
	history map[game.StateHash]int

	rootOut     *nneval.Output
	rootPriors  []float64
	rootAllowed []bool
	ownArea     []bool
	// pass is only played once the search finds the alternatives much worse
	passMustEarn bool

	maxVisits   int64
	maxPlayouts int64
	deadline    time.Time
	startVisits int64

	counted  atomic.Int64
	playouts atomic.Int64
}

type step struct {
	node  *Node
	edge  *Edge
	state game.State
}

// worker is owned by one goroutine of the pool.
type worker struct {
	r    *run
	rng  *rand.Rand
	path []step
}

func (r *run) newWorker(seed uint64) *worker {
	return &worker{r: r, rng: rand.New(rand.NewSource(seed))}
}

func (r *run) adversarial() bool { return r.p.SearchAlgo.Adversarial() }

func (r *run) isOpponent(n *Node) bool {
	return r.adversarial() && n.nextPla != r.rootPla
}

func (r *run) budgetVisits() int64 { return r.startVisits + r.counted.Load() }

func (r *run) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if r.budgetVisits() >= r.maxVisits || r.counted.Load() >= r.maxPlayouts {
		return true
	}
	return !r.deadline.IsZero() && time.Now().After(r.deadline)
}

func (r *run) request(st game.State, depth int) nneval.Request {
	pda := r.p.PlayoutDoublingAdvantage
	if st.Player() != r.pdaPla {
		pda = -pda
	}
	return nneval.Request{
		State:                    st,
		PolicyOptimism:           r.p.PolicyOptimism,
		PolicyTemperature:        r.p.NNPolicyTemperature,
		PlayoutDoublingAdvantage: pda,
		IncludeOwnership:         depth <= 1,
	}
}

// nnUtility is n's evaluator utility corrected by its subtree bias entry.
func (r *run) nnUtility(n *Node) float64 {
	if n.bias == nil || r.p.SubtreeValueBiasFactor == 0 {
		return n.nnUtility
	}
	return n.nnUtility + r.p.SubtreeValueBiasFactor*n.bias.mean()
}

// playout runs one select, expand, backpropagate cycle. It returns false when
// the playout was abandoned without counting a visit.
func (w *worker) playout(ctx context.Context) (bool, error) {
	r := w.r
	w.path = append(w.path[:0], step{node: r.root, state: r.rootState})
	node, st := r.root, r.rootState
	catchUp := false

descend:
	for {
		if !node.isExpanded() {
			claimed, wait := node.claim()
			switch {
			case claimed:
				if err := w.expand(ctx, node, len(w.path)-1); err != nil {
					node.abandon()
					w.unwind()
					if ctx.Err() != nil {
						return false, nil
					}
					return false, err
				}
				break descend
			case wait != nil:
				select {
				case <-wait:
				case <-ctx.Done():
				}
				if !node.isExpanded() {
					w.unwind()
					return false, nil
				}
				break descend
			}
		}
		if node.terminal {
			break
		}

		var idx int
		if r.isOpponent(node) {
			var err error
			if idx, err = r.algo.chooseOpponent(ctx, w, node, st); err != nil {
				w.unwind()
				if ctx.Err() != nil {
					return false, nil
				}
				return false, err
			}
		} else {
			idx = w.selectEdge(node, len(w.path) == 1)
		}
		edge := node.edges[idx]
		next := st.Play(edge.Loc)
		child := w.child(node, edge, next)
		// a shared node may lead back onto the path; it is already counted there
		cycle := r.p.UseGraphSearch && w.onPath(child)
		child.virtualLosses.Add(1)
		w.path = append(w.path, step{node: child, edge: edge, state: next})
		node, st = child, next

		if cycle || (r.p.UseGraphSearch && edge.Visits() < child.Visits() &&
			w.rng.Float64() >= r.p.GraphSearchCatchUpLeakProb) {
			catchUp = true
			break
		}
	}

	w.backprop(catchUp)
	return true, nil
}

// child resolves the node behind edge, creating it on first descent.
func (w *worker) child(parent *Node, edge *Edge, st game.State) *Node {
	if c := edge.Child(); c != nil {
		return c
	}
	r := w.r
	table := r.s.table
	var key uint64
	if r.p.UseGraphSearch {
		fp := st.Hash()
		occ := r.history[fp] + 1
		for _, s := range w.path[1:] {
			if s.node.fingerprint == fp {
				occ++
			}
		}
		key = GraphKey(parent.key, fp, occ, r.p.GraphSearchRepBound)
	} else {
		key = table.uniqueKey()
	}
	c, _ := table.LookupOrCreate(key, func() *Node { return newNode(st) })
	if !edge.child.CompareAndSwap(nil, c) {
		c = edge.child.Load()
	}
	return c
}

func (w *worker) onPath(n *Node) bool {
	for _, s := range w.path {
		if s.node == n {
			return true
		}
	}
	return false
}

func (w *worker) unwind() {
	for _, s := range w.path[1:] {
		s.node.virtualLosses.Add(-1)
	}
}

func (w *worker) expand(ctx context.Context, n *Node, depth int) error {
	r := w.r
	st := w.path[depth].state
	if st.IsTerminal() {
		r.installTerminal(n, st)
		return nil
	}
	out, err := r.s.eval.Evaluate(ctx, r.request(st, depth))
	if err != nil {
		return err
	}
	r.s.metrics.AddNNEval()
	policy := out.Policy
	if r.isOpponent(n) {
		if policy, err = r.algo.opponentPolicy(ctx, r, st); err != nil {
			return err
		}
	}
	var parent game.State
	var move game.Loc
	if depth > 0 {
		parent, move = w.path[depth-1].state, w.path[depth].edge.Loc
	}
	r.install(n, st, out, policy, parent, move)
	return nil
}

func (r *run) installTerminal(n *Node, st game.State) {
	n.terminal = true
	n.stats.Store(r.um.terminalStats(st))
	n.publish()
}

// install stores an evaluation into a claimed node and publishes it.
func (r *run) install(n *Node, st game.State, out *nneval.Output, policy []float32, parent game.State, move game.Loc) {
	n.edges = buildEdges(st, policy)
	if len(n.edges) == 0 {
		r.installTerminal(n, st)
		return
	}
	n.nn = out
	n.nnUtility = r.um.nnUtility(out)
	n.selfWeight = r.selfWeight(n, out)
	if parent != nil && r.p.SubtreeValueBiasFactor != 0 {
		n.bias = r.s.bias.entry(biasKey(parent, move))
	}
	wl, nr := r.um.nnValues(out)
	u := r.nnUtility(n)
	weight := n.selfWeight
	if weight <= 0 {
		weight = 1
	}
	n.stats.Store(&NodeStats{
		WinLoss:     wl,
		NoResult:    nr,
		ScoreMean:   out.WhiteScoreMean,
		ScoreMeanSq: out.WhiteScoreMeanSq,
		Lead:        out.WhiteLead,
		Utility:     u,
		UtilitySq:   u * u,
		WeightSum:   weight,
		WeightSqSum: weight * weight,
	})
	n.publish()
}

func (r *run) selfWeight(n *Node, out *nneval.Output) float64 {
	if r.isOpponent(n) && r.p.oppWeightZeroing() {
		return 0
	}
	return uncertaintyWeight(r.p, &r.um, out)
}

// backprop walks the path from the leaf up. A catch-up leaf gets no visit of
// its own since its statistics already cover the playout.
func (w *worker) backprop(catchUp bool) {
	r := w.r
	last := len(w.path) - 1
	for i := last; i >= 0; i-- {
		s := w.path[i]
		if i > 0 {
			s.node.virtualLosses.Add(-1)
			s.edge.visits.Add(1)
		}
		if i < last || !catchUp {
			s.node.visits.Add(1)
		}
		if i < last {
			r.recomputeStats(s.node)
		}
	}
}

type childValue struct {
	stats  *NodeStats
	weight float64
	prior  float64
	// utility for the node's mover
	utility float64
}

// recomputeStats rebuilds n's snapshot from its children and its own
// evaluation.
func (r *run) recomputeStats(n *Node) {
	if n.terminal || !n.isExpanded() {
		return
	}
	n.statsMu.Lock()
	defer n.statsMu.Unlock()

	pla := n.nextPla
	children := make([]childValue, 0, len(n.edges))
	var childVisits int64
	for _, e := range n.edges {
		ev := e.Visits()
		c := e.Child()
		if ev <= 0 || c == nil {
			continue
		}
		cs := c.Stats()
		if cs == nil {
			continue
		}
		ratio := 1.0
		if cv := c.Visits(); cv > ev {
			ratio = float64(ev) / float64(cv)
		}
		childVisits += ev
		children = append(children, childValue{
			stats:   cs,
			weight:  cs.WeightSum * ratio,
			prior:   float64(e.Prior),
			utility: forPlayer(pla, cs.Utility),
		})
	}

	if r.p.ValueWeightExponent > 0 && len(children) > 1 {
		r.reweightByValue(children)
	}
	if r.p.UseNoisePruning && len(children) > 1 {
		r.pruneNoise(children)
	}

	var acc NodeStats
	var childWeight, childUtility float64
	for _, c := range children {
		if c.weight <= 0 {
			continue
		}
		cs := c.stats
		acc.WinLoss += c.weight * cs.WinLoss
		acc.NoResult += c.weight * cs.NoResult
		acc.ScoreMean += c.weight * cs.ScoreMean
		acc.ScoreMeanSq += c.weight * cs.ScoreMeanSq
		acc.Lead += c.weight * cs.Lead
		acc.Utility += c.weight * cs.Utility
		acc.UtilitySq += c.weight * cs.UtilitySq
		acc.WeightSum += c.weight
		acc.WeightSqSum += c.weight * c.weight
		childWeight += c.weight
		childUtility += c.weight * cs.Utility
	}

	selfWeight := n.selfWeight
	if childWeight <= 0 && selfWeight <= 0 {
		selfWeight = 1
	}
	if selfWeight > 0 {
		out := n.nn
		wl, nr := r.um.nnValues(out)
		u := r.nnUtility(n)
		acc.WinLoss += selfWeight * wl
		acc.NoResult += selfWeight * nr
		acc.ScoreMean += selfWeight * out.WhiteScoreMean
		acc.ScoreMeanSq += selfWeight * out.WhiteScoreMeanSq
		acc.Lead += selfWeight * out.WhiteLead
		acc.Utility += selfWeight * u
		acc.UtilitySq += selfWeight * u * u
		acc.WeightSum += selfWeight
		acc.WeightSqSum += selfWeight * selfWeight
	}

	total := acc.WeightSum
	stats := &NodeStats{
		WinLoss:     acc.WinLoss / total,
		NoResult:    acc.NoResult / total,
		ScoreMean:   acc.ScoreMean / total,
		ScoreMeanSq: acc.ScoreMeanSq / total,
		Lead:        acc.Lead / total,
		Utility:     acc.Utility / total,
		UtilitySq:   acc.UtilitySq / total,
		WeightSum:   total,
		WeightSqSum: acc.WeightSqSum,
	}
	n.stats.Store(stats)

	if n.bias != nil && childWeight > 0 {
		delta := childUtility/childWeight - n.nnUtility
		r.s.bias.update(n, delta, math.Pow(float64(childVisits), r.p.SubtreeValueBiasWeightExponent))
	}
}

// reweightByValue scales each child by the probability, to the power
// valueWeightExponent, that it is at least as good as the best child.
func (r *run) reweightByValue(children []childValue) {
	best := 0
	for i, c := range children {
		if c.utility > children[best].utility {
			best = i
		}
	}
	bestVar := utilityStderrSq(children[best].stats)
	for i := range children {
		c := &children[i]
		z := (c.utility - children[best].utility) / math.Sqrt(utilityStderrSq(c.stats)+bestVar)
		c.weight *= math.Pow(normalCDF(z), r.p.ValueWeightExponent)
	}
}

// pruneNoise removes weight a child received beyond its policy-justified
// share when it looks worse than the children preferred by the policy.
func (r *run) pruneNoise(children []childValue) {
	var weightSoFar, utilitySoFar, priorSoFar float64
	for i := range children {
		c := &children[i]
		if i > 0 && weightSoFar > 0 && priorSoFar > 0 {
			gap := utilitySoFar/weightSoFar - c.utility
			justified := weightSoFar * c.prior / priorSoFar
			if excess := c.weight - justified; gap > 0 && excess > 0 {
				prune := excess * math.Min(1, gap/r.p.NoisePruneUtilityScale)
				c.weight -= math.Min(prune, r.p.NoisePruningCap)
			}
		}
		weightSoFar += c.weight
		utilitySoFar += c.weight * c.utility
		priorSoFar += c.prior
	}
}

// utilityStderrSq is the squared standard error of a node's mean utility.
func utilityStderrSq(s *NodeStats) float64 {
	variance := math.Max(s.UtilitySq-s.Utility*s.Utility, 1e-4)
	if s.WeightSqSum <= 0 {
		return variance
	}
	ess := s.WeightSum * s.WeightSum / s.WeightSqSum
	return variance / math.Max(ess, 1)
}

func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}
