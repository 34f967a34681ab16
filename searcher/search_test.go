package searcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"gosearch/game"
)

/**
Tests the parallel search on a graph of evaluated nodes
sequential:
- selection: PUCT order on a root with a constant value
- budget: root visits land on maxVisits, overshooting by less than the thread count
- bookkeeping: root visits are one plus the edge visits, no virtual loss is left behind
- passing: pass-alive territory filter at the root
- tree reuse: the kept subgraph is exactly what is reachable from the new root, and matches a fresh build
- transpositions: graph search shares nodes reached by different move orders
concurrent:
- evaluator errors stop every worker and are returned
- pondering stops cleanly on cancellation
*/

func newTestSearch(t *testing.T, p Params, st game.State, eval *mockEvaluator, options ...Option) *Search {
	t.Helper()
	s, err := NewSearch(p, st, eval, append([]Option{WithSeed(7)}, options...)...)
	require.NoError(t, err)
	return s
}

func nodes(s *Search) []*Node {
	var out []*Node
	for _, k := range s.table.Keys() {
		out = append(out, s.table.Lookup(k))
	}
	return out
}

func TestSelection(t *testing.T) {
	t.Run("visiting children in PUCT order with a constant value", func(t *testing.T) {
		p := ParamsForTests()
		p.UseGraphSearch = false
		p.FpuReductionMax = 0
		p.RootFpuReductionMax = 0
		priors := []float64{0.5, 0.3, 0.2}
		eval := &mockEvaluator{priors: []float32{0.5, 0.3, 0.2}}
		s := newTestSearch(t, p, newMockState(3, 12), eval)
		ctx := context.Background()

		r, err := s.newRun(ctx, s.params, game.Black)
		require.NoError(t, err)
		r.setBudgets(unlimited, unlimited, 0)
		w := s.workerFor(r, 1)
		edges := r.root.Edges()
		require.Len(t, edges, 3)
		require.Equal(t, game.Loc(0), edges[0].Loc, "Edges should be ordered by prior")

		for i := 0; i < 30; i++ {
			// equal scores go to the edge with the higher prior
			want, best := 0, -1.0
			for j, e := range edges {
				if score := priors[j] / float64(1+e.Visits()); score > best+1e-9 {
					want, best = j, score
				}
			}

			ok, err := w.playout(ctx)

			require.NoError(t, err)
			require.True(t, ok)
			require.Same(t, edges[want], w.path[1].edge, "Playout %d should follow the highest prior per visit", i)
		}
	})

	t.Run("never selecting a move the root filter rejects", func(t *testing.T) {
		p := ParamsForTests()
		s := newTestSearch(t, p, newMockState(3, 8), &mockEvaluator{})
		ctx := context.Background()
		r, err := s.newRun(ctx, s.params, game.Black)
		require.NoError(t, err)
		r.setBudgets(unlimited, unlimited, 0)
		r.rootAllowed = []bool{false, true, false}
		w := s.workerFor(r, 1)

		for i := 0; i < 20; i++ {
			_, err := w.playout(ctx)
			require.NoError(t, err)
		}

		require.Equal(t, int64(20), r.root.Edges()[1].Visits(), "Every playout should go through the only allowed move")
	})
}

func TestSearchBudget(t *testing.T) {
	t.Run("stopping at the visit cap with several threads", func(t *testing.T) {
		p := ParamsForTests()
		p.NumThreads = 4
		p.MaxVisits = 500
		s := newTestSearch(t, p, newMockState(4, 12), &mockEvaluator{})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		visits := s.root.Visits()
		require.GreaterOrEqual(t, visits, int64(500))
		require.Less(t, visits, int64(500+p.NumThreads), "Overshoot should be bounded by the threads in flight")
		require.Equal(t, int(visits), res.Metric.RootVisits)
	})

	t.Run("keeping root visits equal to one plus edge visits", func(t *testing.T) {
		p := ParamsForTests()
		p.NumThreads = 4
		p.MaxVisits = 300
		s := newTestSearch(t, p, newMockState(3, 10), &mockEvaluator{})

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		require.Equal(t, 1+s.root.edgeVisitSum(), s.root.Visits())
		for _, n := range nodes(s) {
			require.Zero(t, n.VirtualLosses(), "No virtual loss should survive a finished search")
		}
	})

	t.Run("playing the only move of a terminal-adjacent root", func(t *testing.T) {
		p := ParamsForTests()
		s := newTestSearch(t, p, newMockState(1, 1), &mockEvaluator{})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		require.Equal(t, game.Loc(0), res.Move)
	})

	t.Run("passing at a terminal root", func(t *testing.T) {
		p := ParamsForTests()
		s := newTestSearch(t, p, newMockState(2, 0), &mockEvaluator{})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		require.Equal(t, game.PassLoc, res.Move)
	})

	t.Run("stopping early when cancelled", func(t *testing.T) {
		p := ParamsForTests()
		p.MaxVisits = unlimited
		s := newTestSearch(t, p, newMockState(3, 1000), &mockEvaluator{})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := s.Search(ctx)

		require.NoError(t, err, "Cancellation is a normal way to end a search")
		require.Greater(t, s.root.Visits(), int64(1))
	})
}

func TestSearchErrors(t *testing.T) {
	boom := errors.New("evaluator exploded")

	t.Run("returning an evaluator error from a worker", func(t *testing.T) {
		p := ParamsForTests()
		p.NumThreads = 3
		s := newTestSearch(t, p, newMockState(3, 10), &mockEvaluator{err: boom, failAfter: 5})

		_, err := s.Search(context.Background())

		require.ErrorIs(t, err, boom)
		for _, n := range nodes(s) {
			require.Zero(t, n.VirtualLosses(), "Failed playouts should release their virtual losses")
		}
	})

	t.Run("returning an evaluator error at the root", func(t *testing.T) {
		s := newTestSearch(t, ParamsForTests(), newMockState(3, 10), &mockEvaluator{err: boom})

		_, err := s.Search(context.Background())

		require.ErrorIs(t, err, boom)
	})

	t.Run("rejecting an adversarial search without an opponent", func(t *testing.T) {
		p := ParamsForTests()
		p.SearchAlgo = AlgoAMCTSS

		_, err := NewSearch(p, newMockState(3, 10), &mockEvaluator{})

		require.ErrorIs(t, err, ErrNoEvaluator)
	})

	t.Run("rejecting a change to an unchangeable param", func(t *testing.T) {
		s := newTestSearch(t, ParamsForTests(), newMockState(3, 10), &mockEvaluator{})
		p := s.Params()
		p.UseGraphSearch = !p.UseGraphSearch

		err := s.SetParams(p)

		require.ErrorIs(t, err, ErrUnchangeableParam)
	})

	t.Run("rejecting an illegal move", func(t *testing.T) {
		s := newTestSearch(t, ParamsForTests(), newMockState(3, 10), &mockEvaluator{})

		err := s.PlayMove(game.Loc(7))

		require.ErrorIs(t, err, ErrIllegalMove)
	})
}

func passingBoard(t *testing.T) *game.Board {
	t.Helper()
	b, err := game.ParseBoard([]string{
		".X.X.",
		"XXXXX",
		"OOOOO",
		"O.O.O",
		"OOOOO",
	}, game.Black, 0)
	require.NoError(t, err)
	return b
}

// blackStones values positions by Black's stone count, so filling an eye looks
// better for Black than passing.
func blackStones(st game.State) float64 {
	stones := 0
	for loc := 0; loc < st.XSize()*st.YSize(); loc++ {
		if st.StoneAt(game.Loc(loc)) == game.Black {
			stones++
		}
	}
	if stones > 7 {
		return 0.45
	}
	return 0.55
}

func TestPassingBehavior(t *testing.T) {
	t.Run("filling an own eye under standard passing", func(t *testing.T) {
		p := ParamsForTests()
		p.PassingBehavior = PassStandard
		s := newTestSearch(t, p, passingBoard(t), &mockEvaluator{value: blackStones})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		require.NotEqual(t, game.PassLoc, res.Move, "Black should prefer a move the evaluator likes")
	})

	t.Run("passing instead of filling pass-alive territory", func(t *testing.T) {
		p := ParamsForTests()
		p.PassingBehavior = PassAvoidPassAliveTerritory
		s := newTestSearch(t, p, passingBoard(t), &mockEvaluator{value: blackStones})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		require.Equal(t, game.PassLoc, res.Move, "Every alternative fills Black's own pass-alive area")
	})

	t.Run("passing back to win when forced", func(t *testing.T) {
		b, err := game.ParseBoard([]string{
			".X.X.",
			"XXXXX",
			"XXXXX",
			"OOOOO",
			"O.O.O",
		}, game.White, 0.5)
		require.NoError(t, err)
		p := ParamsForTests()
		p.ForceWinningPass = true
		s := newTestSearch(t, p, b.Play(game.PassLoc), &mockEvaluator{value: blackStones})

		res, err := s.Search(context.Background())

		require.NoError(t, err)
		require.Equal(t, game.PassLoc, res.Move, "Passing after the opponent's pass wins on the area count")
	})
}

func TestTreeReuse(t *testing.T) {
	search := func(t *testing.T) *Search {
		t.Helper()
		p := ParamsForTests()
		p.MaxVisits = 150
		s, err := NewSearch(p, game.NewBoard(5, 5, 7.5), heuristicEvaluator(), WithSeed(11))
		require.NoError(t, err)
		res, err := s.Search(context.Background())
		require.NoError(t, err)
		require.NoError(t, s.PlayMove(res.Move))
		return s
	}

	t.Run("keeping exactly the subgraph reachable from the new root", func(t *testing.T) {
		s := search(t)

		keys := s.table.Keys()

		require.Len(t, keys, len(reachable(s.root)))
		for _, k := range keys {
			require.True(t, reachable(s.root)[k], "Node %d should be reachable from the new root", k)
		}
		require.Positive(t, s.root.Visits(), "The played move's subtree should be reused")
	})

	t.Run("keeping the same subgraph in identical searches", func(t *testing.T) {
		a, b := search(t), search(t)

		keysA, keysB := a.table.Keys(), b.table.Keys()
		slices.Sort(keysA)
		slices.Sort(keysB)

		require.Equal(t, keysA, keysB)
		require.Equal(t, a.root.Fingerprint(), b.root.Fingerprint())
	})

	t.Run("starting from the reused visits", func(t *testing.T) {
		s := search(t)
		reused := s.root.Visits()
		s.params.MaxVisits = reused + 50

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		require.GreaterOrEqual(t, s.root.Visits(), reused+50)
		require.Less(t, s.root.Visits(), reused+50+int64(s.params.NumThreads))
	})

	t.Run("keeping what the played move led to", func(t *testing.T) {
		p := ParamsForTests()
		p.MaxVisits = 150
		s, err := NewSearch(p, game.NewBoard(5, 5, 7.5), heuristicEvaluator(), WithSeed(11))
		require.NoError(t, err)
		res, err := s.Search(context.Background())
		require.NoError(t, err)
		var child *Node
		for _, e := range s.root.Edges() {
			if e.Loc == res.Move {
				child = e.Child()
			}
		}
		require.NotNil(t, child)
		want, visits := reachable(child), child.Visits()

		require.NoError(t, s.PlayMove(res.Move))

		require.Same(t, child, s.root)
		require.Equal(t, visits, s.root.Visits())
		keys := s.table.Keys()
		require.Len(t, keys, len(want))
		for _, k := range keys {
			require.True(t, want[k])
		}
	})

	t.Run("matching a fresh evaluation of the new root", func(t *testing.T) {
		s := search(t)
		fresh, err := NewSearch(s.Params(), s.RootState(), heuristicEvaluator(), WithSeed(11))
		require.NoError(t, err)

		_, err = fresh.newRun(context.Background(), fresh.params, fresh.RootState().Player())

		require.NoError(t, err)
		require.Equal(t, fresh.root.Fingerprint(), s.root.Fingerprint())
		require.Equal(t, fresh.root.key, s.root.key, "A reused root should sit where a fresh one would")
		require.InDelta(t, fresh.root.nnUtility, s.root.nnUtility, 1e-9)
		reused, built := s.root.Edges(), fresh.root.Edges()
		require.Len(t, reused, len(built))
		for i := range built {
			require.Equal(t, built[i].Loc, reused[i].Loc)
			require.InDelta(t, built[i].Prior, reused[i].Prior, 1e-6)
		}
	})

	t.Run("advancing two moves at once like one at a time", func(t *testing.T) {
		searched := func(t *testing.T) *Search {
			t.Helper()
			p := ParamsForTests()
			p.MaxVisits = 150
			s, err := NewSearch(p, game.NewBoard(5, 5, 7.5), heuristicEvaluator(), WithSeed(11))
			require.NoError(t, err)
			_, err = s.Search(context.Background())
			require.NoError(t, err)
			return s
		}
		mostVisited := func(n *Node) *Edge {
			var best *Edge
			for _, e := range n.Edges() {
				if best == nil || e.Visits() > best.Visits() {
					best = e
				}
			}
			return best
		}
		a, b := searched(t), searched(t)
		first := mostVisited(a.root)
		second := mostVisited(first.Child())
		require.NotNil(t, second)
		st := a.RootState().Play(first.Loc)
		path := []Segment{
			{Loc: first.Loc, StateHash: st.Hash()},
			{Loc: second.Loc, StateHash: st.Play(second.Loc).Hash()},
		}

		require.NoError(t, a.PlayMove(first.Loc))
		require.NoError(t, a.PlayMove(second.Loc))
		require.NoError(t, b.Advance(path))

		keysA, keysB := a.table.Keys(), b.table.Keys()
		slices.Sort(keysA)
		slices.Sort(keysB)
		require.Equal(t, keysA, keysB)
		require.Equal(t, a.root.key, b.root.key)
		require.Equal(t, a.root.Visits(), b.root.Visits())
		require.Positive(t, b.root.Visits(), "The second move's subtree should be reused")
	})

	t.Run("resetting when the path leaves the graph", func(t *testing.T) {
		s := newTestSearch(t, ParamsForTests(), newMockState(3, 10), &mockEvaluator{})
		next := newMockState(3, 10).Play(2)

		err := s.Advance([]Segment{{Loc: 2, StateHash: next.Hash()}})

		require.NoError(t, err)
		require.Zero(t, s.root.Visits())
		require.Equal(t, 1, s.table.Len(), "Only the fresh root should remain")
		require.Equal(t, next.Hash(), s.RootState().Hash())
	})
}

func TestTranspositions(t *testing.T) {
	grandchild := func(s *Search, first, second game.Loc) *Node {
		var child *Node
		for _, e := range s.root.Edges() {
			if e.Loc == first {
				child = e.Child()
			}
		}
		if child == nil {
			return nil
		}
		for _, e := range child.Edges() {
			if e.Loc == second {
				return e.Child()
			}
		}
		return nil
	}
	commutative := func() mockState {
		st := newMockState(3, 4)
		st.commutative = true
		return st
	}

	t.Run("sharing a node between move orders with graph search", func(t *testing.T) {
		p := ParamsForTests()
		p.UseGraphSearch = true
		s := newTestSearch(t, p, commutative(), &mockEvaluator{})

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		a, b := grandchild(s, 0, 1), grandchild(s, 1, 0)
		require.NotNil(t, a)
		require.Same(t, a, b, "Both move orders should reach one node")
	})

	t.Run("keeping move orders apart without graph search", func(t *testing.T) {
		p := ParamsForTests()
		p.UseGraphSearch = false
		s := newTestSearch(t, p, commutative(), &mockEvaluator{})

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		a, b := grandchild(s, 0, 1), grandchild(s, 1, 0)
		require.NotNil(t, a)
		require.NotNil(t, b)
		require.NotSame(t, a, b)
		require.Equal(t, a.Fingerprint(), b.Fingerprint())
	})
}

func TestPonder(t *testing.T) {
	t.Run("stopping without error when cancelled", func(t *testing.T) {
		p := ParamsForTests()
		p.NumThreads = 2
		s := newTestSearch(t, p, newMockState(3, 1000), &mockEvaluator{})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := s.Ponder(ctx)

		require.NoError(t, err)
		require.Greater(t, s.root.Visits(), int64(1), "Pondering should grow the graph")
	})

	t.Run("stopping at the pondering visit cap", func(t *testing.T) {
		p := ParamsForTests()
		p.MaxVisitsPondering = 60
		s := newTestSearch(t, p, newMockState(3, 10), &mockEvaluator{})

		err := s.Ponder(context.Background())

		require.NoError(t, err)
		require.Equal(t, int64(60), s.root.Visits())
	})
}

func TestAdversarialSearch(t *testing.T) {
	opponent := &mockEvaluator{priors: []float32{0.02, 0.02, 0.96}}

	t.Run("sampling opponent replies from the opponent policy", func(t *testing.T) {
		p := ParamsForTests()
		p.SearchAlgo = AlgoAMCTSS
		p.MaxVisits = 300
		s := newTestSearch(t, p, newMockState(3, 6), &mockEvaluator{}, WithOpponentEvaluator(opponent))

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		var reply, total int64
		for _, e := range s.root.Edges() {
			c := e.Child()
			if c == nil {
				continue
			}
			require.Equal(t, game.White, c.nextPla)
			for _, ce := range c.Edges() {
				total += ce.Visits()
				if ce.Loc == 2 {
					reply += ce.Visits()
				}
			}
		}
		require.Positive(t, total)
		require.Greater(t, float64(reply), 0.8*float64(total), "The opponent's favourite reply should take most visits")
	})

	t.Run("answering with a nested opponent search", func(t *testing.T) {
		p := ParamsForTests()
		p.SearchAlgo = AlgoAMCTSR
		visits := 8
		p.OppVisitsOverride = &visits
		p.MaxVisits = 60
		s := newTestSearch(t, p, newMockState(3, 6), &mockEvaluator{}, WithOpponentEvaluator(opponent))

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		checked := 0
		for _, e := range s.root.Edges() {
			c := e.Child()
			if c == nil || c.Visits() < 2 {
				continue
			}
			choice := c.oppChoice.Load()
			require.Positive(t, choice, "A revisited opponent node should remember its reply")
			require.Equal(t, game.Loc(2), c.edges[choice-1].Loc)
			checked++
		}
		require.Positive(t, checked)
	})

	t.Run("zeroing the opponent's own weight", func(t *testing.T) {
		p := ParamsForTests()
		p.SearchAlgo = AlgoAMCTSS
		s := newTestSearch(t, p, newMockState(3, 6), &mockEvaluator{}, WithOpponentEvaluator(opponent))

		_, err := s.Search(context.Background())

		require.NoError(t, err)
		for _, e := range s.root.Edges() {
			if c := e.Child(); c != nil && c.isExpanded() {
				require.Zero(t, c.selfWeight)
			}
		}
	})
}

func TestReport(t *testing.T) {
	s := newTestSearch(t, ParamsForTests(), newMockState(3, 10), &mockEvaluator{priors: []float32{0.6, 0.3, 0.1}})
	res, err := s.Search(context.Background())
	require.NoError(t, err)

	rep := s.Report()

	t.Run("listing moves by visits", func(t *testing.T) {
		require.NotEmpty(t, rep.Moves)
		var sum int64
		for i, m := range rep.Moves {
			sum += m.Visits
			if i > 0 {
				require.LessOrEqual(t, m.Visits, rep.Moves[i-1].Visits)
			}
		}
		require.Equal(t, rep.RootVisits, 1+sum)
	})

	t.Run("leading the principal variation with the best move", func(t *testing.T) {
		require.Equal(t, game.LocString(res.Move, 3), rep.BestMove)
		require.Equal(t, rep.BestMove, rep.PV[0])
		require.LessOrEqual(t, len(rep.PV), maxPVLength+1)
	})

	t.Run("reporting ownership for the board", func(t *testing.T) {
		require.Len(t, rep.Ownership, 3)
	})

	t.Run("choosing the searched move again", func(t *testing.T) {
		require.Equal(t, res.Move, s.ChooseMove())
	})
}

// setChildStats gives e a child whose utility has the given mean for White and
// standard error, backed by visits playouts of unit weight.
func setChildStats(e *Edge, parent game.State, visits int64, whiteUtility, stderr float64) {
	c := newNode(parent.Play(e.Loc))
	n := float64(visits)
	c.stats.Store(&NodeStats{
		Utility:     whiteUtility,
		UtilitySq:   whiteUtility*whiteUtility + stderr*stderr*n,
		WeightSum:   n,
		WeightSqSum: n,
	})
	c.visits.Store(visits)
	e.child.Store(c)
	e.visits.Store(visits)
}

func TestReportFollowsLcb(t *testing.T) {
	p := ParamsForTests()
	p.UseLcbForSelection = true
	s := newTestSearch(t, p, newMockState(2, 6), &mockEvaluator{priors: []float32{0.6, 0.4}})
	r, err := s.newRun(context.Background(), s.params, game.Black)
	require.NoError(t, err)
	edges := r.root.Edges()
	// Black to move, so the utilities are negated for the mover
	setChildStats(edges[0], r.rootState, 100, -0.50, 0.05)
	setChildStats(edges[1], r.rootState, 40, -0.60, 0.03)

	rep := s.Report()

	require.Equal(t, game.LocString(edges[1].Loc, 2), rep.BestMove, "The tighter bound should win over more visits")
	require.Equal(t, rep.BestMove, rep.Moves[0].Move)
	require.Equal(t, rep.BestMove, rep.PV[0])
	require.Equal(t, edges[1].Loc, s.ChooseMove(), "The report should name the move that is played")
}
