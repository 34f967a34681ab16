package nneval

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultBatchTimeout = time.Millisecond

type pending struct {
	req    Request
	result chan response
}

type response struct {
	out *Output
	err error
}

// Batcher is an Evaluator that groups concurrent requests into backend batches.
// A batch is run once it is full or the batch timeout has passed since its first
// request arrived.
type Batcher struct {
	backend      Backend
	maxBatchSize int
	timeout      time.Duration
	cache        *Cache

	queue     chan pending
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	batches atomic.Int64
	items   atomic.Int64
}

type BatcherOption func(*Batcher)

func WithBatchTimeout(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		b.timeout = d
	}
}

func WithMaxBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		b.maxBatchSize = n
	}
}

func WithCache(c *Cache) BatcherOption {
	return func(b *Batcher) {
		b.cache = c
	}
}

func NewBatcher(backend Backend, opts ...BatcherOption) (*Batcher, error) {
	b := &Batcher{
		backend:      backend,
		maxBatchSize: backend.MaxBatchSize(),
		timeout:      DefaultBatchTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxBatchSize <= 0 || b.maxBatchSize > backend.MaxBatchSize() {
		return nil, fmt.Errorf("%w: %d (backend allows %d)", ErrBatchSize, b.maxBatchSize, backend.MaxBatchSize())
	}
	b.queue = make(chan pending, b.maxBatchSize*4)
	b.wg.Add(1)
	go b.batchLoop()
	return b, nil
}

func (b *Batcher) Evaluate(ctx context.Context, req Request) (*Output, error) {
	var key CacheKey
	if b.cache != nil {
		key = KeyOf(req)
		if out, ok := b.cache.Get(key); ok {
			return out, nil
		}
	}

	p := pending{req: req, result: make(chan response, 1)}
	select {
	case <-b.done:
		return nil, ErrEvaluatorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case b.queue <- p:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrEvaluatorClosed
	case resp := <-p.result:
		if resp.err != nil {
			return nil, resp.err
		}
		if b.cache != nil {
			b.cache.Put(key, resp.out)
		}
		return resp.out, nil
	}
}

// Close stops the batch loop. Requests still queued are failed with
// ErrEvaluatorClosed.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

// AvgBatchSize reports the mean batch size so far.
func (b *Batcher) AvgBatchSize() float64 {
	n := b.batches.Load()
	if n == 0 {
		return 0
	}
	return float64(b.items.Load()) / float64(n)
}

func (b *Batcher) batchLoop() {
	defer b.wg.Done()
	batch := make([]pending, 0, b.maxBatchSize)
	for {
		batch = batch[:0]
		select {
		case <-b.done:
			b.drain()
			return
		case p := <-b.queue:
			batch = append(batch, p)
		}

		timeout := time.After(b.timeout)
	collect:
		for len(batch) < b.maxBatchSize {
			select {
			case p := <-b.queue:
				batch = append(batch, p)
			case <-timeout:
				break collect
			case <-b.done:
				break collect
			}
		}
		b.run(batch)
	}
}

func (b *Batcher) run(batch []pending) {
	reqs := make([]Request, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}
	outs, err := b.backend.EvaluateBatch(reqs)
	if err == nil && len(outs) != len(reqs) {
		err = fmt.Errorf("%w: backend returned %d results for %d requests", ErrBatchSize, len(outs), len(reqs))
	}
	if err != nil {
		log.Error().Err(err).Int("batch", len(batch)).Msg("evaluation batch failed")
		for _, p := range batch {
			p.result <- response{err: fmt.Errorf("evaluate batch: %w", err)}
		}
		return
	}

	n := b.batches.Add(1)
	b.items.Add(int64(len(batch)))
	if n%1000 == 0 {
		log.Debug().Int64("batches", n).Float64("avgBatch", b.AvgBatchSize()).Msg("evaluator stats")
	}
	for i, p := range batch {
		p.result <- response{out: outs[i]}
	}
}

func (b *Batcher) drain() {
	for {
		select {
		case p := <-b.queue:
			p.result <- response{err: ErrEvaluatorClosed}
		default:
			return
		}
	}
}
