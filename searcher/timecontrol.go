package searcher

import (
	"math"
	"time"

	"gosearch/game"
)

// TimeControls is the clock of the player to move. The zero value means no
// clock, leaving only the params' time cap.
type TimeControls struct {
	MainTimeLeft time.Duration
	Increment    time.Duration
	// byo-yomi periods left and the length of each
	ByoYomiPeriods int
	ByoYomiTime    time.Duration
}

func (tc TimeControls) Unlimited() bool {
	return tc.MainTimeLeft <= 0 && tc.Increment <= 0 && (tc.ByoYomiPeriods <= 0 || tc.ByoYomiTime <= 0)
}

// expectedMovesLeft is a rough count of the mover's remaining moves.
func expectedMovesLeft(st game.State) float64 {
	area := float64(st.XSize() * st.YSize())
	return math.Max(area*0.05, (area*0.75-float64(st.Turn()))/2)
}

// recommendedTime spreads the clock over the remaining moves, spending more in
// the midgame and less on obvious moves.
func (s *Search) recommendedTime(r *run, tc TimeControls) time.Duration {
	p := r.p
	st := r.rootState
	lag := seconds(p.LagBuffer)

	var base, hardCap time.Duration
	switch {
	case tc.MainTimeLeft > 0:
		base = time.Duration(float64(tc.MainTimeLeft)/expectedMovesLeft(st)) + tc.Increment
		hardCap = tc.MainTimeLeft + tc.Increment
		if tc.ByoYomiPeriods > 0 {
			base += tc.ByoYomiTime
			hardCap += tc.ByoYomiTime
		}
	case tc.ByoYomiPeriods > 0:
		base = tc.ByoYomiTime
		hardCap = tc.ByoYomiTime
	default:
		base = tc.Increment
		hardCap = tc.Increment
	}

	factor := midgameFactor(p, st) * p.OverallocateTimeFactor
	if r.rootOut != nil && obviousMove(p, r) {
		factor *= p.ObviousMovesTimeFactor
	}
	rec := time.Duration(float64(base) * factor)

	if rate := s.rate.Load(); rate > 0 && p.TreeReuseCarryOverTimeFactor > 0 && r.startVisits > 1 {
		carried := time.Duration(float64(r.startVisits) / float64(rate) * p.TreeReuseCarryOverTimeFactor * float64(time.Second))
		rec = max(rec/10, rec-carried)
	}
	return max(0, min(rec, hardCap-lag))
}

// midgameFactor peaks at midgameTurnPeakTime, measured in 19x19 turns.
func midgameFactor(p Params, st game.State) float64 {
	turn := float64(st.Turn()) * 361 / float64(st.XSize()*st.YSize())
	extra := p.MidgameTimeFactor - 1
	if p.MidgameTurnPeakTime <= 0 {
		return p.MidgameTimeFactor
	}
	if turn < p.MidgameTurnPeakTime {
		return 1 + extra*turn/p.MidgameTurnPeakTime
	}
	if p.EndgameTurnTimeDecay <= 0 {
		return 1
	}
	return 1 + extra*math.Exp(-(turn-p.MidgameTurnPeakTime)/p.EndgameTurnTimeDecay)
}

// obviousMove reports a root whose policy is sharp and, when the tree was
// reused, whose visits agree with it.
func obviousMove(p Params, r *run) bool {
	var entropy float64
	for _, q := range r.rootPriors {
		if q > 0 {
			entropy -= q * math.Log(q)
		}
	}
	if entropy > p.ObviousMovesPolicyEntropyTolerance {
		return false
	}
	var total float64
	for _, e := range r.root.Edges() {
		total += float64(e.Visits())
	}
	if total <= 0 {
		return true
	}
	// relative entropy of the visit distribution against the policy
	var surprise float64
	for i, e := range r.root.Edges() {
		v := float64(e.Visits()) / total
		if v > 0 && r.rootPriors[i] > 0 {
			surprise += v * math.Log(v/r.rootPriors[i])
		}
	}
	return surprise <= p.ObviousMovesPolicySurpriseTolerance
}
