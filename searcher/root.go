package searcher

import (
	"context"
	"fmt"

	"gosearch/game"
	"gosearch/nneval"
)

// rootSymmetries picks k distinct valid symmetries. The identity comes first
// when only one is wanted.
func rootSymmetries(w *worker, st game.State, k int) []int {
	var valid []int
	for sym := 0; sym < game.NumSymmetries; sym++ {
		if game.SymmetryValid(sym, st.XSize(), st.YSize()) {
			valid = append(valid, sym)
		}
	}
	if k <= 1 {
		return []int{0}
	}
	w.rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })
	return valid[:min(k, len(valid))]
}

// evaluateRoot evaluates the root under several symmetries and averages them.
func (r *run) evaluateRoot(ctx context.Context, w *worker) (*nneval.Output, error) {
	st := r.rootState
	syms := rootSymmetries(w, st, r.p.RootNumSymmetriesToSample)
	outs := make([]*nneval.Output, 0, len(syms))
	for _, sym := range syms {
		req := r.request(st, 0)
		req.Symmetry = sym
		req.PolicyOptimism = r.p.RootPolicyOptimism
		out, err := r.s.eval.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("evaluate root: %w", err)
		}
		r.s.metrics.AddNNEval()
		outs = append(outs, out)
	}
	return averageOutputs(outs), nil
}

func averageOutputs(outs []*nneval.Output) *nneval.Output {
	if len(outs) == 1 {
		return outs[0]
	}
	k := float64(len(outs))
	avg := &nneval.Output{Policy: make([]float32, len(outs[0].Policy))}
	if outs[0].Ownership != nil {
		avg.Ownership = make([]float32, len(outs[0].Ownership))
	}
	for _, o := range outs {
		for i, p := range o.Policy {
			avg.Policy[i] += p / float32(k)
		}
		for i, v := range o.Ownership {
			if i < len(avg.Ownership) {
				avg.Ownership[i] += v / float32(k)
			}
		}
		avg.WhiteWinProb += o.WhiteWinProb / k
		avg.WhiteLossProb += o.WhiteLossProb / k
		avg.WhiteNoResultProb += o.WhiteNoResultProb / k
		avg.WhiteScoreMean += o.WhiteScoreMean / k
		avg.WhiteScoreMeanSq += o.WhiteScoreMeanSq / k
		avg.WhiteLead += o.WhiteLead / k
		avg.VarTimeLeft += o.VarTimeLeft / k
		avg.ShortTermWinLossError += o.ShortTermWinLossError / k
		avg.ShortTermScoreError += o.ShortTermScoreError / k
	}
	return avg
}

// prepareRoot makes sure the root is expanded and derives the root-only
// priors and move filter for this search. An evaluation already made for the
// score center is reused.
func (r *run) prepareRoot(ctx context.Context, w *worker) error {
	st := r.rootState
	out := r.rootOut
	var err error
	if out == nil {
		if out, err = r.evaluateRoot(ctx, w); err != nil {
			return err
		}
		r.rootOut = out
	}

	root := r.root
	if claimed, wait := root.claim(); claimed {
		if st.IsTerminal() {
			r.installTerminal(root, st)
		} else {
			policy := out.Policy
			if r.isOpponent(root) {
				if policy, err = r.algo.opponentPolicy(ctx, r, st); err != nil {
					root.abandon()
					return err
				}
			}
			r.install(root, st, out, policy, nil, 0)
		}
		root.visits.Add(1)
	} else if wait != nil {
		<-wait
	}
	if root.terminal {
		return nil
	}

	if r.p.PassingBehavior != PassStandard || r.p.RootPruneUselessMoves || r.p.RootEndingBonusPoints != 0 {
		r.ownArea = st.PassAliveArea(st.Player())
	}
	edges := root.edges
	r.rootPriors = make([]float64, len(edges))
	for i, e := range edges {
		if p := out.PolicyProb(e.Loc, st.XSize(), st.YSize()); p > 0 {
			r.rootPriors[i] = float64(p)
		}
	}
	if r.isOpponent(root) {
		for i, e := range edges {
			r.rootPriors[i] = float64(e.Prior)
		}
	}
	r.rootAllowed = r.rootFilter()
	if r.p.RootSymmetryPruning {
		r.pruneSymmetricMoves()
	}

	temperature := decayedTemperature(r.p.RootPolicyTemperatureEarly, r.p.RootPolicyTemperature,
		r.p.ChosenMoveTemperatureHalflife, st.Turn(), st.XSize(), st.YSize())
	if r.p.WideRootNoise > 0 {
		temperature *= 1 + r.p.WideRootNoise
	}
	temper(r.rootPriors, temperature)
	if r.p.RootNoiseEnabled {
		addRootNoise(w.rng, r.rootPriors, r.rootAllowed, r.p.RootDirichletNoiseTotalConcentration, r.p.RootDirichletNoiseWeight)
		normalize(r.rootPriors)
	}
	return nil
}

// pruneSymmetricMoves keeps one move per class of moves equivalent under a
// symmetry of the root position, handing the pruned priors to the survivor.
func (r *run) pruneSymmetricMoves() {
	st := r.rootState
	index := make(map[game.Loc]int, len(r.root.edges))
	for i, e := range r.root.edges {
		index[e.Loc] = i
	}
	for sym := 1; sym < game.NumSymmetries; sym++ {
		if !game.SymmetryValid(sym, st.XSize(), st.YSize()) || !st.SymmetryInvariant(sym) {
			continue
		}
		for i, e := range r.root.edges {
			if e.Loc == game.PassLoc || !r.rootAllowed[i] {
				continue
			}
			t := st.TransformLoc(e.Loc, sym)
			j, ok := index[t]
			if !ok || t >= e.Loc || !r.rootAllowed[j] {
				continue
			}
			r.rootAllowed[i] = false
			r.rootPriors[j] += r.rootPriors[i]
			r.rootPriors[i] = 0
		}
	}
}

// passSafeLead is the lead, in points, the evaluator must give the mover before
// OnlyWhenAhead lets it pass.
const passSafeLead = 1.0

// rootFilter marks the root moves the passing behaviour allows. At least one
// move is always allowed.
func (r *run) rootFilter() []bool {
	st := r.rootState
	pla := st.Player()
	edges := r.root.edges
	allowed := make([]bool, len(edges))
	passIdx := -1
	for i, e := range edges {
		allowed[i] = true
		if e.Loc == game.PassLoc {
			passIdx = i
		}
	}
	moverScore := forPlayer(pla, st.FinalWhiteScore())
	lead, winLoss := r.rootOutlook()

	if r.p.PassingBehavior == PassAvoidPassAliveTerritory || r.p.RootPruneUselessMoves {
		for i, e := range edges {
			if r.inOwnArea(e.Loc) {
				allowed[i] = false
			}
		}
	}
	if passIdx >= 0 {
		switch r.p.PassingBehavior {
		case PassLastResort:
			for _, e := range edges {
				if r.viableAlternative(e.Loc) {
					r.passMustEarn = true
					break
				}
			}
			if !r.passMustEarn {
				for i := range allowed {
					allowed[i] = i == passIdx
				}
			}
		case PassNoSuicide:
			if moverScore < 0 {
				allowed[passIdx] = false
			}
		case PassOnlyWhenAhead:
			if winLoss <= 0 || lead < passSafeLead {
				allowed[passIdx] = false
			}
		case PassOnlyWhenBehind:
			if winLoss >= 0 {
				allowed[passIdx] = false
			}
		}
		if r.p.ConservativePass && st.ConsecutivePasses() > 0 && moverScore <= 0 {
			allowed[passIdx] = false
		}
	}

	someAllowed := false
	for _, a := range allowed {
		someAllowed = someAllowed || a
	}
	if !someAllowed {
		for i := range allowed {
			allowed[i] = true
		}
	}
	if r.p.EnablePassingHacks && passIdx >= 0 && st.ConsecutivePasses() > 0 {
		allowed[passIdx] = true
	}
	return allowed
}

// rootOutlook is the root evaluation's lead and winloss for the mover.
func (r *run) rootOutlook() (lead, winLoss float64) {
	if r.rootOut == nil {
		return 0, 0
	}
	pla := r.rootState.Player()
	wl, _ := r.um.nnValues(r.rootOut)
	return forPlayer(pla, r.rootOut.WhiteLead), forPlayer(pla, wl)
}

func (r *run) inOwnArea(loc game.Loc) bool {
	return loc != game.PassLoc && r.ownArea != nil && r.ownArea[loc]
}

// viableAlternative is a non-pass move outside both the mover's pass-alive
// area and the points the opponent almost surely owns.
func (r *run) viableAlternative(loc game.Loc) bool {
	return loc != game.PassLoc && !r.inOwnArea(loc) && !r.opponentOwns(loc)
}

// lastResortUtility is how much worse than passing every viable alternative
// must turn out before LastResort passes.
const lastResortUtility = 0.2

// withoutUnearnedPass drops pass from the candidates unless every viable
// alternative was searched and found worse than passing by lastResortUtility.
func (r *run) withoutUnearnedPass(cands []moveCandidate) []moveCandidate {
	passIdx := -1
	for i, c := range cands {
		if c.loc == game.PassLoc {
			passIdx = i
		}
	}
	if passIdx < 0 || len(cands) == 1 {
		return cands
	}
	pass := cands[passIdx].lcb
	earned := pass.visits > 0
	for _, c := range cands {
		if !earned {
			break
		}
		if !r.viableAlternative(c.loc) {
			continue
		}
		earned = c.lcb.visits > 0 && c.lcb.utility < pass.utility-lastResortUtility
	}
	if earned {
		return cands
	}
	return append(cands[:passIdx:passIdx], cands[passIdx+1:]...)
}

// opponentOwns reports whether the root evaluation is nearly sure the
// opponent ends up owning loc.
func (r *run) opponentOwns(loc game.Loc) bool {
	if r.rootOut == nil || int(loc) >= len(r.rootOut.Ownership) {
		return false
	}
	own := forPlayer(r.rootState.Player(), float64(r.rootOut.Ownership[loc]))
	return own <= -0.9
}
