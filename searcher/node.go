package searcher

import (
	"cmp"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"gosearch/game"
	"gosearch/nneval"
)

type expansion int32

const (
	unevaluated expansion = iota
	evaluating
	expanded
)

// NodeStats is an immutable snapshot of a node's aggregated values. Values are
// from White's perspective.
type NodeStats struct {
	WinLoss     float64
	NoResult    float64
	ScoreMean   float64
	ScoreMeanSq float64
	Lead        float64
	Utility     float64
	UtilitySq   float64
	WeightSum   float64
	WeightSqSum float64
}

// Edge is a move out of a node. The child is nil until the first playout
// descends through it, after which it points at the table-owned node.
type Edge struct {
	Loc    game.Loc
	Prior  float32
	visits atomic.Int64
	child  atomic.Pointer[Node]
}

func (e *Edge) Visits() int64 { return e.visits.Load() }
func (e *Edge) Child() *Node  { return e.child.Load() }

// Node is one position of the search graph. Several edges may point at the
// same node.
type Node struct {
	key         uint64
	fingerprint game.StateHash
	nextPla     game.Player

	visits        atomic.Int64
	virtualLosses atomic.Int32
	stats         atomic.Pointer[NodeStats]
	// serialises stats recomputation only
	statsMu sync.Mutex

	mu    sync.Mutex
	state atomic.Int32
	ready chan struct{}

	// written once before state becomes expanded
	nn         *nneval.Output
	nnUtility  float64
	selfWeight float64
	edges      []*Edge
	terminal   bool

	bias       *biasEntry
	biasDelta  float64
	biasWeight float64

	// edge index + 1 chosen by a nested opponent search, 0 when unset
	oppChoice atomic.Int32
}

func newNode(st game.State) *Node {
	return &Node{
		fingerprint: st.Hash(),
		nextPla:     st.Player(),
		ready:       make(chan struct{}),
	}
}

func (n *Node) Key() uint64                 { return n.key }
func (n *Node) Fingerprint() game.StateHash { return n.fingerprint }
func (n *Node) Visits() int64               { return n.visits.Load() }
func (n *Node) VirtualLosses() int32        { return n.virtualLosses.Load() }
func (n *Node) Stats() *NodeStats           { return n.stats.Load() }

func (n *Node) isExpanded() bool { return expansion(n.state.Load()) == expanded }

// Edges is only meaningful once the node is expanded.
func (n *Node) Edges() []*Edge {
	if !n.isExpanded() {
		return nil
	}
	return n.edges
}

// claim hands the evaluation of n to exactly one caller. Others get the channel
// that is closed when that evaluation finishes or is abandoned.
func (n *Node) claim() (bool, <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch expansion(n.state.Load()) {
	case expanded:
		return false, nil
	case evaluating:
		return false, n.ready
	}
	n.state.Store(int32(evaluating))
	return true, nil
}

func (n *Node) publish() {
	n.mu.Lock()
	n.state.Store(int32(expanded))
	close(n.ready)
	n.mu.Unlock()
}

// abandon returns a claimed node to the unevaluated state and wakes waiters.
func (n *Node) abandon() {
	n.mu.Lock()
	n.state.Store(int32(unevaluated))
	close(n.ready)
	n.ready = make(chan struct{})
	n.mu.Unlock()
}

// buildEdges turns a policy into edges ordered by prior, ties by location.
func buildEdges(st game.State, policy []float32) []*Edge {
	xSize, ySize := st.XSize(), st.YSize()
	moves := st.LegalMoves()
	edges := make([]*Edge, 0, len(moves))
	for _, loc := range moves {
		p := float32(0)
		if policy != nil {
			p = policy[game.PolicyIndex(loc, xSize, ySize)]
		}
		if p < 0 {
			p = 0
		}
		edges = append(edges, &Edge{Loc: loc, Prior: p})
	}
	slices.SortStableFunc(edges, func(a, b *Edge) int {
		if c := cmp.Compare(b.Prior, a.Prior); c != 0 {
			return c
		}
		return cmp.Compare(a.Loc, b.Loc)
	})
	return edges
}

// edgeVisitSum is the number of playouts that continued below n.
func (n *Node) edgeVisitSum() int64 {
	var sum int64
	for _, e := range n.Edges() {
		sum += e.visits.Load()
	}
	return sum
}
