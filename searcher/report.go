package searcher

import (
	"math"

	"golang.org/x/exp/slices"

	"gosearch/game"
)

const maxPVLength = 24

type MoveInfo struct {
	Move      string   `json:"move"`
	Loc       game.Loc `json:"loc"`
	Visits    int64    `json:"visits"`
	Prior     float64  `json:"prior"`
	Utility   float64  `json:"utility"`
	WinLoss   float64  `json:"winLoss"`
	ScoreMean float64  `json:"scoreMean"`
	Lead      float64  `json:"lead"`
	LCB       float64  `json:"lcb"`
	PV        []string `json:"pv"`
}

// Report is a snapshot of the search from the point of view of the player to
// move at the root. Ownership is from White's point of view.
type Report struct {
	Player     string     `json:"player"`
	RootVisits int64      `json:"rootVisits"`
	Playouts   int64      `json:"playouts"`
	Utility    float64    `json:"utility"`
	WinLoss    float64    `json:"winLoss"`
	ScoreMean  float64    `json:"scoreMean"`
	Lead       float64    `json:"lead"`
	BestMove   string     `json:"bestMove"`
	Moves      []MoveInfo `json:"moves"`
	PV         []string   `json:"pv"`
	Ownership  []float64  `json:"ownership,omitempty"`
}

// Report may be called while a search is running.
func (s *Search) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.rootState
	root := s.root
	pla := st.Player()
	rep := Report{Player: pla.String(), RootVisits: root.Visits()}
	r := s.last.Load()
	if r != nil && r.root == root {
		rep.Playouts = r.playouts.Load()
	}
	if stats := root.Stats(); stats != nil {
		rep.Utility = forPlayer(pla, stats.Utility)
		rep.WinLoss = forPlayer(pla, stats.WinLoss)
		rep.ScoreMean = forPlayer(pla, stats.ScoreMean)
		rep.Lead = forPlayer(pla, stats.Lead)
	}

	lcbStdevs := s.params.LcbStdevs
	xSize := st.XSize()
	for _, e := range root.Edges() {
		info := MoveInfo{
			Move:   game.LocString(e.Loc, xSize),
			Loc:    e.Loc,
			Visits: e.Visits(),
			Prior:  float64(e.Prior),
		}
		child := e.Child()
		if child == nil || info.Visits == 0 {
			continue
		}
		if cs := child.Stats(); cs != nil {
			info.Utility = forPlayer(pla, cs.Utility)
			info.WinLoss = forPlayer(pla, cs.WinLoss)
			info.ScoreMean = forPlayer(pla, cs.ScoreMean)
			info.Lead = forPlayer(pla, cs.Lead)
			info.LCB = info.Utility - lcbStdevs*math.Sqrt(utilityStderrSq(cs))
		}
		info.PV = append([]string{info.Move}, principalVariation(child, xSize)...)
		rep.Moves = append(rep.Moves, info)
	}
	slices.SortStableFunc(rep.Moves, func(a, b MoveInfo) int {
		switch {
		case a.Visits > b.Visits:
			return -1
		case a.Visits < b.Visits:
			return 1
		}
		return 0
	})
	if r != nil && r.root == root && root.isExpanded() {
		best := game.LocString(r.bestMove(), xSize)
		for i, info := range rep.Moves {
			if info.Move == best {
				copy(rep.Moves[1:i+1], rep.Moves[:i])
				rep.Moves[0] = info
				break
			}
		}
	}
	if len(rep.Moves) > 0 {
		rep.BestMove = rep.Moves[0].Move
		rep.PV = rep.Moves[0].PV
	}
	rep.Ownership = ownership(root, r)
	return rep
}

// principalVariation follows the most visited edges below n.
func principalVariation(n *Node, xSize int) []string {
	var pv []string
	seen := map[*Node]bool{n: true}
	for len(pv) < maxPVLength {
		var best *Edge
		for _, e := range n.Edges() {
			if e.Visits() > 0 && (best == nil || e.Visits() > best.Visits()) {
				best = e
			}
		}
		if best == nil || best.Child() == nil || seen[best.Child()] {
			break
		}
		pv = append(pv, game.LocString(best.Loc, xSize))
		n = best.Child()
		seen[n] = true
	}
	return pv
}

// ownership averages the evaluator's ownership over the root and its
// children, weighting children by their edge visits.
func ownership(root *Node, r *run) []float64 {
	var sum []float64
	var total float64
	add := func(own []float32, w float64) {
		if own == nil || w <= 0 {
			return
		}
		if sum == nil {
			sum = make([]float64, len(own))
		}
		for i, v := range own {
			if i < len(sum) {
				sum[i] += w * float64(v)
			}
		}
		total += w
	}
	if r != nil && r.root == root && r.rootOut != nil {
		add(r.rootOut.Ownership, 1)
	} else if root.isExpanded() && root.nn != nil {
		add(root.nn.Ownership, 1)
	}
	for _, e := range root.Edges() {
		if c := e.Child(); c != nil && c.isExpanded() && c.nn != nil {
			add(c.nn.Ownership, float64(e.Visits()))
		}
	}
	if total == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= total
	}
	return sum
}
