package nneval

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"gosearch/game"
)

const cacheShards = 64

// CacheKey identifies an evaluation. Two requests with equal keys produce the
// same output.
type CacheKey struct {
	Hash        game.StateHash
	Symmetry    int8
	Ownership   bool
	Optimism    uint64
	Temperature uint64
	PDA         uint64
}

func KeyOf(req Request) CacheKey {
	return CacheKey{
		Hash:        req.State.Hash(),
		Symmetry:    int8(req.Symmetry),
		Ownership:   req.IncludeOwnership,
		Optimism:    math.Float64bits(req.PolicyOptimism),
		Temperature: math.Float64bits(req.PolicyTemperature),
		PDA:         math.Float64bits(req.PlayoutDoublingAdvantage),
	}
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[CacheKey]*Output
}

// Cache stores evaluations across searches. Entries are never evicted; the size
// bound only stops new insertions.
type Cache struct {
	shards  [cacheShards]cacheShard
	maxSize int64
	size    atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCache(maxSize int) *Cache {
	c := &Cache{maxSize: int64(maxSize)}
	for i := range c.shards {
		c.shards[i].entries = make(map[CacheKey]*Output)
	}
	return c
}

func (c *Cache) shard(k CacheKey) *cacheShard {
	return &c.shards[uint64(k.Hash)%cacheShards]
}

func (c *Cache) Get(k CacheKey) (*Output, bool) {
	s := c.shard(k)
	s.mu.RLock()
	out, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return out, ok
}

func (c *Cache) Put(k CacheKey, out *Output) {
	if c.maxSize > 0 && c.size.Load() >= c.maxSize {
		return
	}
	s := c.shard(k)
	s.mu.Lock()
	if _, ok := s.entries[k]; !ok {
		s.entries[k] = out
		c.size.Add(1)
	}
	s.mu.Unlock()
}

func (c *Cache) Len() int { return int(c.size.Load()) }

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

type cacheRecord struct {
	Key    CacheKey
	Output *Output
}

// Save writes every entry as a zstd compressed gob stream.
func (c *Cache) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer f.Close()
	if err := c.Dump(f); err != nil {
		return err
	}
	return f.Close()
}

func (c *Cache) Dump(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	records := make([]cacheRecord, 0, c.Len())
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k, v := range s.entries {
			records = append(records, cacheRecord{Key: k, Output: v})
		}
		s.mu.RUnlock()
	}
	if err := gob.NewEncoder(enc).Encode(records); err != nil {
		enc.Close()
		return fmt.Errorf("encode cache: %w", err)
	}
	return enc.Close()
}

// Load merges the entries of a file written by Save.
func (c *Cache) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	defer f.Close()
	return c.Restore(f)
}

func (c *Cache) Restore(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	var records []cacheRecord
	if err := gob.NewDecoder(dec).Decode(&records); err != nil {
		return fmt.Errorf("decode cache: %w", err)
	}
	for _, rec := range records {
		c.Put(rec.Key, rec.Output)
	}
	return nil
}
