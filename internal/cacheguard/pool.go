package cacheguard

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// RebuildPool runs logical-expiration rebuilds on a fixed set of workers so
// readers never wait on the system of record. Jobs beyond the queue size are
// refused rather than queued without bound.
type RebuildPool struct {
	jobs   chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRebuildPool starts workers goroutines sharing a queue of queueSize.
func NewRebuildPool(workers, queueSize int, log zerolog.Logger) *RebuildPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &RebuildPool{
		jobs:   make(chan func(context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "rebuild_pool").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues job. It reports false when the pool is closed or full.
func (p *RebuildPool) Submit(job func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *RebuildPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *RebuildPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *RebuildPool) run(job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("rebuild job panicked")
		}
	}()
	job(p.ctx)
}
