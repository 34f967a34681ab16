package searcher

import (
	"context"
	"fmt"

	"gosearch/game"
	"gosearch/nneval"
)

// algorithm decides how the search treats the opponent's turns. It is picked
// once per search from Params.SearchAlgo.
type algorithm interface {
	// opponentPolicy is the policy an opponent node's edges are built from.
	opponentPolicy(ctx context.Context, r *run, st game.State) ([]float32, error)
	// chooseOpponent picks the edge an opponent node continues through.
	chooseOpponent(ctx context.Context, w *worker, n *Node, st game.State) (int, error)
}

func newAlgorithm(p Params) algorithm {
	switch p.SearchAlgo {
	case AlgoAMCTSS:
		return sampled{}
	case AlgoAMCTSSXX:
		return sampled{allSymmetries: true}
	case AlgoAMCTSR:
		visits := int64(100)
		if p.OppVisitsOverride != nil {
			visits = int64(*p.OppVisitsOverride)
		} else if p.MaxVisits < unlimited {
			visits = p.MaxVisits
		}
		return recursive{visits: visits}
	}
	return plain{}
}

// plain search has no opponent nodes.
type plain struct{}

func (plain) opponentPolicy(context.Context, *run, game.State) ([]float32, error) { return nil, nil }

func (plain) chooseOpponent(_ context.Context, w *worker, n *Node, _ game.State) (int, error) {
	return w.selectEdge(n, false), nil
}

func opponentRequest(st game.State, sym int) nneval.Request {
	return nneval.Request{State: st, Symmetry: sym, PolicyTemperature: 1}
}

// sampled plays the opponent by sampling its model's policy.
type sampled struct {
	allSymmetries bool
}

func (a sampled) opponentPolicy(ctx context.Context, r *run, st game.State) ([]float32, error) {
	if !a.allSymmetries {
		out, err := r.s.oppEval.Evaluate(ctx, opponentRequest(st, 0))
		if err != nil {
			return nil, fmt.Errorf("evaluate opponent: %w", err)
		}
		return out.Policy, nil
	}
	var outs []*nneval.Output
	for sym := 0; sym < game.NumSymmetries; sym++ {
		if !game.SymmetryValid(sym, st.XSize(), st.YSize()) {
			continue
		}
		out, err := r.s.oppEval.Evaluate(ctx, opponentRequest(st, sym))
		if err != nil {
			return nil, fmt.Errorf("evaluate opponent: %w", err)
		}
		outs = append(outs, out)
	}
	return averageOutputs(outs).Policy, nil
}

func (sampled) chooseOpponent(_ context.Context, w *worker, n *Node, _ game.State) (int, error) {
	var total float64
	for _, e := range n.edges {
		total += float64(e.Prior)
	}
	if total <= 0 {
		return w.rng.Intn(len(n.edges)), nil
	}
	x := w.rng.Float64() * total
	for i, e := range n.edges {
		x -= float64(e.Prior)
		if x < 0 {
			return i, nil
		}
	}
	return len(n.edges) - 1, nil
}

// recursive plays the opponent with a nested search of its own model.
type recursive struct {
	visits int64
}

func (recursive) opponentPolicy(ctx context.Context, r *run, st game.State) ([]float32, error) {
	out, err := r.s.oppEval.Evaluate(ctx, opponentRequest(st, 0))
	if err != nil {
		return nil, fmt.Errorf("evaluate opponent: %w", err)
	}
	return out.Policy, nil
}

func (a recursive) chooseOpponent(ctx context.Context, w *worker, n *Node, st game.State) (int, error) {
	if c := n.oppChoice.Load(); c > 0 {
		return int(c) - 1, nil
	}
	nested, err := NewSearch(a.nestedParams(w.r.p), st, w.r.s.oppEval, WithSeed(w.rng.Uint64()))
	if err != nil {
		return 0, err
	}
	res, err := nested.Search(ctx)
	if err != nil {
		return 0, fmt.Errorf("opponent search: %w", err)
	}
	idx := 0
	for i, e := range n.edges {
		if e.Loc == res.Move {
			idx = i
			break
		}
	}
	n.oppChoice.CompareAndSwap(0, int32(idx+1))
	return int(n.oppChoice.Load()) - 1, nil
}

// nestedParams budgets the opponent's search: one thread, a fixed visit count
// and no randomness.
func (a recursive) nestedParams(p Params) Params {
	p.SearchAlgo = AlgoMCTS
	p.OppVisitsOverride = nil
	p.OppWeightZeroingOverride = nil
	p.NumThreads = 1
	p.MaxVisits = a.visits
	p.MaxPlayouts = unlimited
	p.MaxTime = 1e9
	p.RootNoiseEnabled = false
	p.ChosenMoveTemperature = 0
	p.ChosenMoveTemperatureEarly = 0
	p.PlayoutDoublingAdvantage = 0
	p.SubtreeValueBiasFactor = 0
	p.NodeTableShardsPowerOfTwo = 4
	p.SubtreeValueBiasTableNumShards = 16
	p.MinPlayoutsPerThread = 0
	return p
}
