package searcher

import (
	"sync"

	"gosearch/game"
)

// biasEntry accumulates how far searched utilities drifted from the raw
// evaluations of nodes sharing a local pattern. Its lock also guards the
// biasDelta and biasWeight fields of the nodes contributing to it.
type biasEntry struct {
	mu        sync.Mutex
	deltaSum  float64
	weightSum float64
}

func (e *biasEntry) mean() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.weightSum <= 1e-3 {
		return 0
	}
	return e.deltaSum / e.weightSum
}

type biasShard struct {
	sync.Mutex
	entries map[uint64]*biasEntry
}

// biasTable is sharded independently of the node table.
type biasTable struct {
	shards []biasShard
}

func newBiasTable(numShards int) *biasTable {
	t := &biasTable{shards: make([]biasShard, numShards)}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]*biasEntry)
	}
	return t
}

// biasKey identifies the situation "mover answers prevMove with move in this shape".
func biasKey(parent game.State, move game.Loc) uint64 {
	h := game.Mix(game.StateHash(parent.PrevMove()+3), game.StateHash(parent.LastMove()+3))
	h = game.Mix(h, game.StateHash(move+3))
	h = game.Mix(h, game.StateHash(parent.Player()))
	h = game.Mix(h, parent.PatternHash(move))
	return uint64(h)
}

func (t *biasTable) entry(key uint64) *biasEntry {
	s := &t.shards[key%uint64(len(t.shards))]
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &biasEntry{}
		s.entries[key] = e
	}
	return e
}

// update replaces n's contribution to its entry.
func (t *biasTable) update(n *Node, delta, weight float64) {
	e := n.bias
	if e == nil {
		return
	}
	e.mu.Lock()
	e.deltaSum += delta*weight - n.biasDelta*n.biasWeight
	e.weightSum += weight - n.biasWeight
	n.biasDelta = delta
	n.biasWeight = weight
	e.mu.Unlock()
}

// release withdraws freeProp of n's contribution once n leaves the search graph.
func (t *biasTable) release(n *Node, freeProp float64) {
	e := n.bias
	if e == nil {
		return
	}
	e.mu.Lock()
	e.deltaSum -= freeProp * n.biasDelta * n.biasWeight
	e.weightSum -= freeProp * n.biasWeight
	n.biasDelta = 0
	n.biasWeight = 0
	e.mu.Unlock()
}

func (t *biasTable) Len() int {
	total := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		total += len(s.entries)
		s.Unlock()
	}
	return total
}
