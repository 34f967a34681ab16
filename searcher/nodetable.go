package searcher

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"

	"gosearch/game"
)

type tableShard struct {
	sync.Mutex
	nodes map[uint64]*Node
}

// NodeTable owns every node of a search graph. Lookups on different shards
// never contend.
type NodeTable struct {
	shards []tableShard
	mask   uint64
	size   atomic.Int64
	// fresh keys for plain tree search
	nextUnique atomic.Uint64
}

func NewNodeTable(shardsPowerOfTwo int) *NodeTable {
	n := 1 << shardsPowerOfTwo
	t := &NodeTable{
		shards: make([]tableShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i].nodes = make(map[uint64]*Node)
	}
	return t
}

func (t *NodeTable) shard(key uint64) *tableShard {
	// high bits pick the shard, the map hashes the whole key
	return &t.shards[(key>>40)&t.mask]
}

// LookupOrCreate returns the node stored under key, creating it with create if
// absent. Creation runs under the shard lock.
func (t *NodeTable) LookupOrCreate(key uint64, create func() *Node) (*Node, bool) {
	s := t.shard(key)
	s.Lock()
	defer s.Unlock()
	if n, ok := s.nodes[key]; ok {
		return n, false
	}
	n := create()
	n.key = key
	s.nodes[key] = n
	t.size.Add(1)
	return n, true
}

func (t *NodeTable) Lookup(key uint64) *Node {
	s := t.shard(key)
	s.Lock()
	defer s.Unlock()
	return s.nodes[key]
}

func (t *NodeTable) Len() int { return int(t.size.Load()) }

// Keys snapshots every key in the table.
func (t *NodeTable) Keys() []uint64 {
	keys := make([]uint64, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		for _, k := range maps.Keys(s.nodes) {
			keys = append(keys, k)
		}
		s.Unlock()
	}
	return keys
}

// Retain drops every node not in keep and returns the dropped nodes. It must
// not run concurrently with a search.
func (t *NodeTable) Retain(keep map[uint64]bool) []*Node {
	var dropped []*Node
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		for k, n := range s.nodes {
			if !keep[k] {
				dropped = append(dropped, n)
				delete(s.nodes, k)
			}
		}
		s.Unlock()
	}
	t.size.Add(-int64(len(dropped)))
	return dropped
}

func (t *NodeTable) Clear() []*Node {
	return t.Retain(nil)
}

// uniqueKey returns a key no fingerprint-derived key is expected to collide with.
func (t *NodeTable) uniqueKey() uint64 {
	return uint64(game.Mix(0x9e3779b97f4a7c15, game.StateHash(t.nextUnique.Add(1))))
}

// GraphKey derives the table key of a child position. Within the repetition
// bound, positions key by fingerprint so transpositions share a node; past it
// the key also depends on the parent, so repeated positions get fresh nodes.
func GraphKey(parentKey uint64, fingerprint game.StateHash, occurrences, repBound int) uint64 {
	if occurrences <= repBound {
		return uint64(fingerprint)
	}
	return uint64(game.Mix(game.StateHash(parentKey), fingerprint))
}
