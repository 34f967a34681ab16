package searcher

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"gosearch/game"
	"gosearch/nneval"
)

// mockState is a synthetic game where every position offers the same width
// moves and the game ends after depth moves. With commutative set, positions
// depend only on which moves were played, so move orders transpose. With
// cyclic set, every position with the same player to move has the same
// fingerprint.
type mockState struct {
	played      []game.Loc
	width       int
	depth       int
	commutative bool
	cyclic      bool
}

func newMockState(width, depth int) mockState {
	return mockState{width: width, depth: depth}
}

func (m mockState) Player() game.Player {
	if len(m.played)%2 == 0 {
		return game.Black
	}
	return game.White
}

func (m mockState) XSize() int { return m.width }
func (m mockState) YSize() int { return 1 }
func (m mockState) Turn() int  { return len(m.played) }

func (m mockState) LegalMoves() []game.Loc {
	if m.IsTerminal() {
		return nil
	}
	moves := make([]game.Loc, m.width)
	for i := range moves {
		moves[i] = game.Loc(i)
	}
	return moves
}

func (m mockState) IsLegal(loc game.Loc) bool {
	return !m.IsTerminal() && loc >= 0 && int(loc) < m.width
}

func (m mockState) Play(loc game.Loc) game.State {
	next := m
	next.played = append(slices.Clone(m.played), loc)
	return next
}

func (m mockState) Hash() game.StateHash {
	if m.cyclic {
		return game.Mix(0x51ed2701, game.StateHash(m.Player()))
	}
	moves := m.played
	if m.commutative {
		moves = slices.Clone(moves)
		slices.Sort(moves)
	}
	h := game.StateHash(0x51ed2701)
	for _, loc := range moves {
		h = game.Mix(h, game.StateHash(loc+3))
	}
	return game.Mix(h, game.StateHash(m.Player()))
}

func (m mockState) IsTerminal() bool       { return len(m.played) >= m.depth }
func (m mockState) ConsecutivePasses() int { return 0 }

func (m mockState) LastMove() game.Loc {
	if len(m.played) == 0 {
		return game.NullLoc
	}
	return m.played[len(m.played)-1]
}

func (m mockState) PrevMove() game.Loc {
	if len(m.played) < 2 {
		return game.NullLoc
	}
	return m.played[len(m.played)-2]
}

func (m mockState) FinalWhiteScore() float64                  { return 0 }
func (m mockState) PassAliveArea(game.Player) []bool          { return make([]bool, m.width) }
func (m mockState) StoneAt(game.Loc) game.Player              { return game.Empty }
func (m mockState) TransformLoc(loc game.Loc, _ int) game.Loc { return loc }
func (m mockState) SymmetryInvariant(sym int) bool            { return sym == 0 }
func (m mockState) PatternHash(loc game.Loc) game.StateHash   { return game.StateHash(loc + 3) }
func (m mockState) NoResultAllowed() bool                     { return false }

// mockEvaluator answers every request with a fixed value and a policy from
// priors, uniform when priors is nil.
type mockEvaluator struct {
	priors []float32
	// value returns White's win probability; 0.5 when nil
	value func(st game.State) float64
	// White's lead in points
	lead  float64
	delay time.Duration
	calls atomic.Int64
	// fail makes every call after the first failAfter ones return err
	failAfter int64
	err       error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (m *mockEvaluator) Evaluate(ctx context.Context, req nneval.Request) (*nneval.Output, error) {
	n := m.calls.Add(1)
	if m.err != nil && n > m.failAfter {
		return nil, m.err
	}
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxInFlight.Load()
		if cur <= prev || m.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	st := req.State
	size := game.PolicySize(st.XSize(), st.YSize())
	policy := make([]float32, size)
	for i := range policy {
		policy[i] = -1
	}
	legal := st.LegalMoves()
	for _, loc := range legal {
		idx := game.PolicyIndex(loc, st.XSize(), st.YSize())
		if m.priors != nil && idx < len(m.priors) {
			policy[idx] = m.priors[idx]
		} else {
			policy[idx] = 1 / float32(len(legal))
		}
	}
	win := 0.5
	if m.value != nil {
		win = m.value(st)
	}
	out := &nneval.Output{
		Policy:        policy,
		WhiteWinProb:  win,
		WhiteLossProb: 1 - win,
		WhiteLead:     m.lead,
	}
	if req.IncludeOwnership {
		out.Ownership = make([]float32, st.XSize()*st.YSize())
	}
	return out, nil
}

// heuristicEvaluator evaluates synchronously with the model-free backend.
func heuristicEvaluator() nneval.Evaluator {
	backend := nneval.NewHeuristicBackend(1)
	return nneval.EvaluatorFunc(func(_ context.Context, req nneval.Request) (*nneval.Output, error) {
		outs, err := backend.EvaluateBatch([]nneval.Request{req})
		if err != nil {
			return nil, err
		}
		return outs[0], nil
	})
}
