package searcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/nneval"
)

var ErrIllegalMove = errors.New("searcher: illegal move")

type Option func(s *Search)

// Segment is one real move and the fingerprint of the position it leads to.
type Segment struct {
	Loc       game.Loc
	StateHash game.StateHash
}

// Result is the outcome of one search.
type Result struct {
	Move   game.Loc
	Metric metrics.SearchMetric
}

// Search owns a search graph rooted at the current game position. Searches,
// reports and move choice may run concurrently with each other; Advance,
// SetPosition and SetParams wait for running searches to finish.
type Search struct {
	mu sync.RWMutex
	// serialises searches
	searchMu sync.Mutex

	initial  Params
	params   Params
	eval     nneval.Evaluator
	oppEval  nneval.Evaluator
	metrics  metrics.Collector
	seed     uint64
	selfPlay bool
	rootPla  game.Player

	table     *NodeTable
	bias      *biasTable
	root      *Node
	rootState game.State
	history   map[game.StateHash]int
	treeReset bool
	reused    int64
	searches  uint64

	last atomic.Pointer[run]
	// visits per second of the last timed search
	rate atomic.Uint64
}

func WithOpponentEvaluator(e nneval.Evaluator) Option {
	return func(s *Search) {
		if e != nil {
			s.oppEval = e
		}
	}
}

func WithMetrics() Option {
	return func(s *Search) {
		s.metrics = metrics.NewCollector()
	}
}

func WithSeed(seed uint64) Option {
	return func(s *Search) {
		s.seed = seed
	}
}

// WithSelfPlay makes move choice follow the self-play settings.
func WithSelfPlay() Option {
	return func(s *Search) {
		s.selfPlay = true
	}
}

// WithDynamicParams starts the searcher with params other than the initial
// ones. They must agree with the initial params on unchangeable fields.
func WithDynamicParams(p Params) Option {
	return func(s *Search) {
		s.params = p
	}
}

// WithRootPlayer fixes the player the search plays for. By default it is the
// side to move at each search.
func WithRootPlayer(pla game.Player) Option {
	return func(s *Search) {
		s.rootPla = pla
	}
}

func NewSearch(initial Params, st game.State, eval nneval.Evaluator, options ...Option) (*Search, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if eval == nil {
		return nil, ErrNoEvaluator
	}
	s := &Search{ // Default values
		initial: initial,
		params:  initial,
		eval:    eval,
		metrics: metrics.NewDummyCollector(),
		seed:    uint64(time.Now().UnixNano()),
	}
	for _, option := range options {
		option(s)
	}
	if err := s.params.Validate(); err != nil {
		return nil, err
	}
	if err := CheckUnchangeable(s.initial, s.params); err != nil {
		return nil, err
	}
	if s.initial.SearchAlgo.Adversarial() && s.oppEval == nil {
		return nil, fmt.Errorf("%w: %s needs an opponent evaluator", ErrNoEvaluator, s.initial.SearchAlgo)
	}
	s.table = NewNodeTable(initial.NodeTableShardsPowerOfTwo)
	s.bias = newBiasTable(initial.SubtreeValueBiasTableNumShards)
	s.setPosition(st)
	return s, nil
}

// SetParams swaps the dynamic params used by the next search.
func (s *Search) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := CheckUnchangeable(s.initial, p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

func (s *Search) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *Search) RootState() game.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootState
}

// SetPosition discards the graph and starts over from st.
func (s *Search) SetPosition(st game.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPosition(st)
}

func (s *Search) setPosition(st game.State) {
	s.rootState = st
	s.history = map[game.StateHash]int{st.Hash(): 1}
	s.resetTree()
}

func (s *Search) resetTree() {
	for _, n := range s.table.Clear() {
		s.bias.release(n, s.params.SubtreeValueBiasFreeProp)
	}
	st := s.rootState
	var key uint64
	if s.initial.UseGraphSearch {
		key = GraphKey(0, st.Hash(), s.history[st.Hash()], s.initial.GraphSearchRepBound)
	} else {
		key = s.table.uniqueKey()
	}
	s.root, _ = s.table.LookupOrCreate(key, func() *Node { return newNode(st) })
	s.treeReset = true
	s.reused = 0
	s.last.Store(nil)
}

// PlayMove advances the root by one real move.
func (s *Search) PlayMove(loc game.Loc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rootState.IsLegal(loc) {
		return fmt.Errorf("%w: %s", ErrIllegalMove, game.LocString(loc, s.rootState.XSize()))
	}
	return s.advance([]Segment{{Loc: loc, StateHash: s.rootState.Play(loc).Hash()}})
}

// Advance moves the root along real moves, keeping the subtree below the new
// root when the graph already contains it.
func (s *Search) Advance(path []Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(path)
}

func (s *Search) advance(path []Segment) error {
	st := s.rootState
	played := make([]game.StateHash, 0, len(path))
	for _, seg := range path {
		if !st.IsLegal(seg.Loc) {
			return fmt.Errorf("%w: %s", ErrIllegalMove, game.LocString(seg.Loc, st.XSize()))
		}
		st = st.Play(seg.Loc)
		if st.Hash() != seg.StateHash {
			log.Warn().Msgf("position hash %d does not match segment's state hash %d", st.Hash(), seg.StateHash)
		}
		played = append(played, st.Hash())
	}

	root := traverse(s.root, path)
	s.rootState = st
	for _, h := range played {
		s.history[h]++
	}
	if root == nil {
		s.resetTree()
		return nil
	}
	s.root = root
	s.treeReset = false
	s.reused = root.Visits()
	keep := reachable(root)
	for _, n := range s.table.Retain(keep) {
		s.bias.release(n, s.params.SubtreeValueBiasFreeProp)
	}
	s.last.Store(nil)
	log.Debug().Int64("visits", s.reused).Int("nodes", s.table.Len()).Msg("reused subtree")
	return nil
}

func traverse(root *Node, path []Segment) *Node {
	if root == nil {
		return nil
	}

	node := root
	for _, segment := range path {
		var child *Node
		for _, e := range node.Edges() {
			if e.Loc == segment.Loc {
				child = e.Child()
				break
			}
		}
		if child == nil { // Node has not expanded this move
			return nil
		}
		if child.fingerprint != segment.StateHash {
			log.Warn().Msgf("node's state hash %d does not match segment's state hash %d", child.fingerprint, segment.StateHash)
			return nil
		}
		node = child
	}
	return node
}

// reachable collects the keys of every node below root.
func reachable(root *Node) map[uint64]bool {
	seen := map[uint64]bool{root.key: true}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range n.Edges() {
			c := e.Child()
			if c == nil || seen[c.key] {
				continue
			}
			seen[c.key] = true
			stack = append(stack, c)
		}
	}
	return seen
}

// Search runs until the budgets of the current params are spent and returns
// the chosen move. Cancelling ctx stops the search early without error.
func (s *Search) Search(ctx context.Context) (Result, error) {
	return s.SearchWithTime(ctx, TimeControls{})
}

// SearchWithTime is Search with the time budget derived from the game clock.
func (s *Search) SearchWithTime(ctx context.Context, tc TimeControls) (Result, error) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.params
	r, err := s.newRun(ctx, p, s.playerFor(false))
	if err != nil {
		return Result{}, err
	}
	maxTime := p.maxTimeDuration()
	if !tc.Unlimited() {
		maxTime = min(maxTime, s.recommendedTime(r, tc))
	}
	factor := 1.0
	switch {
	case r.rootState.LastMove() == game.PassLoc && r.rootState.PrevMove() == game.PassLoc:
		factor = p.SearchFactorAfterTwoPass
	case r.rootState.LastMove() == game.PassLoc:
		factor = p.SearchFactorAfterOnePass
	}
	r.setBudgets(scaleBudget(p.MaxVisits, factor), scaleBudget(p.MaxPlayouts, factor),
		time.Duration(float64(maxTime)*factor))

	start := time.Now()
	err = r.search(ctx)
	elapsed := time.Since(start)
	if secs := elapsed.Seconds(); secs > 0.05 && r.playouts.Load() > 0 {
		s.rate.Store(uint64(float64(r.playouts.Load()) / secs))
	}

	move := r.chooseMove(s.workerFor(r, 1<<20))
	metric := s.metrics.Complete(int(r.root.Visits()))
	log.Debug().
		Str("move", game.LocString(move, r.rootState.XSize())).
		Int64("visits", r.root.Visits()).
		Int64("playouts", r.playouts.Load()).
		Dur("elapsed", elapsed).
		Msg("search finished")
	return Result{Move: move, Metric: metric}, err
}

// Ponder searches with the pondering budgets until they run out or ctx is
// cancelled, keeping the graph for the next search. It searches for the
// player who is not to move.
func (s *Search) Ponder(ctx context.Context) error {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.params
	r, err := s.newRun(ctx, p, s.playerFor(true))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.setBudgets(p.MaxVisitsPondering, p.MaxPlayoutsPondering, p.ponderTimeDuration())
	err = r.search(ctx)
	s.metrics.Complete(int(r.root.Visits()))
	return err
}

func (s *Search) playerFor(pondering bool) game.Player {
	if s.rootPla != game.Empty {
		return s.rootPla
	}
	if pondering {
		return s.rootState.Player().Opp()
	}
	return s.rootState.Player()
}

func scaleBudget(budget int64, factor float64) int64 {
	if budget >= unlimited || factor == 1 {
		return budget
	}
	return max(1, int64(float64(budget)*factor))
}

func (s *Search) workerFor(r *run, salt uint64) *worker {
	return r.newWorker(s.seed + s.searches*0x9e3779b97f4a7c15 + salt)
}

func (s *Search) newRun(ctx context.Context, p Params, rootPla game.Player) (*run, error) {
	s.searches++
	st := s.rootState
	pdaPla, err := parsePlayer(p.PlayoutDoublingAdvantagePla)
	if err != nil {
		return nil, err
	}
	if pdaPla == game.Empty {
		pdaPla = rootPla
	}
	r := &run{
		s:         s,
		p:         p,
		algo:      newAlgorithm(p),
		rootPla:   rootPla,
		pdaPla:    pdaPla,
		rootState: st,
		root:      s.root,
		history:   s.history,
	}
	s.warnIgnored(p)

	// the score center needs a root estimate before anything is valued
	r.um = newUtilityModel(p, st, rootPla, 0)
	w := s.workerFor(r, 0)
	if p.DynamicScoreUtilityFactor != 0 {
		score := 0.0
		if stats := r.root.Stats(); stats != nil && r.root.Visits() > 1 {
			score = stats.ScoreMean
		} else if out, err := r.evaluateRoot(ctx, w); err == nil {
			score = out.WhiteScoreMean
			r.rootOut = out
		} else {
			return nil, err
		}
		r.um = newUtilityModel(p, st, rootPla, dynamicScoreCenter(p, st, score))
	}

	s.metrics.Start(p.NumThreads, p.SearchAlgo.String())
	s.metrics.SetTreeReset(s.treeReset)
	s.metrics.SetReusedVisits(int(s.reused))
	if err := r.prepareRoot(ctx, w); err != nil {
		return nil, err
	}
	r.startVisits = r.root.Visits()
	s.last.Store(r)
	return r, nil
}

// warnIgnored flags settings this rule set accepts but does not act on.
func (s *Search) warnIgnored(p Params) {
	if p.FillDameBeforePass || p.AvoidMYTDaggerHackPla != "" || p.AntiMirror || p.AvoidRepeatedPatternUtility != 0 {
		log.Warn().Msg("fillDameBeforePass, avoidMYTDaggerHackPla, antiMirror and avoidRepeatedPatternUtility have no effect under area scoring")
	}
	if !p.UseNonBuggyLcb && (p.UseLcbForSelection || (s.selfPlay && p.UseLcbForSelfplayMove)) {
		log.Warn().Msg("useNonBuggyLcb=false is not supported, using the corrected LCB")
	}
}

func (r *run) setBudgets(maxVisits, maxPlayouts int64, maxTime time.Duration) {
	r.maxVisits = maxVisits
	r.maxPlayouts = maxPlayouts
	if maxTime > 0 && maxTime < time.Duration(1<<62) {
		r.deadline = time.Now().Add(maxTime)
	}
}

// threadCount caps the threads so each gets minPlayoutsPerThread of the
// playouts left, keeping at least one.
func (r *run) threadCount() int {
	threads := r.p.NumThreads
	if r.p.MinPlayoutsPerThread > 0 {
		left := min(r.maxVisits-r.budgetVisits(), r.maxPlayouts)
		threads = max(1, min(threads, int(float64(left)/r.p.MinPlayoutsPerThread)))
	}
	return threads
}

// search runs the worker pool until a budget is spent. The first evaluator
// error cancels the other workers and is returned.
func (r *run) search(ctx context.Context) error {
	if r.root.terminal {
		return nil
	}
	threads := r.threadCount()

	log.Debug().
		Int("threads", threads).
		Int64("reused", r.startVisits).
		Str("algorithm", r.p.SearchAlgo.String()).
		Msg("search started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		w := r.s.workerFor(r, uint64(i)+1)
		g.Go(func() error {
			for !r.done(gctx) {
				ok, err := w.playout(gctx)
				if err != nil {
					return err
				}
				if ok {
					r.playouts.Add(1)
					if leaf := w.path[len(w.path)-1].node; !r.adversarial() || leaf.nextPla == r.rootPla {
						r.counted.Add(1)
						r.s.metrics.AddPlayout()
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
