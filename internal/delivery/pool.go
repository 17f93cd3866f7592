package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/security"
	"golang.org/x/sync/errgroup"
)

// Pool runs background jobs on a fixed number of workers, each fed by its own
// bounded queue. Jobs submitted with the same key land on the same worker and
// run in submission order. Submit never blocks: when the chosen queue is full
// the job is dropped and counted.
type Pool struct {
	name    string
	timeout time.Duration
	queues  []chan job
	workers errgroup.Group
	pending sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// NewPool starts workers goroutines with queueSize pending jobs each. Every
// job runs with timeout applied to its context.
func NewPool(name string, workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Pool{
		name:    name,
		timeout: timeout,
		queues:  make([]chan job, workers),
	}
	p.workers.SetLimit(workers)
	for i := range p.queues {
		q := make(chan job, queueSize)
		p.queues[i] = q
		p.workers.Go(func() error {
			for j := range q {
				p.run(j)
			}
			return nil
		})
	}
	return p
}

// Submit queues fn and reports whether it was accepted. fn receives a context
// that carries ctx's values but not its cancellation, so a finished request
// does not abort work it started.
func (p *Pool) Submit(ctx context.Context, key uint64, fn func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		security.CountBackgroundDropped(p.name)
		return false
	}
	p.pending.Add(1)
	select {
	case p.queues[key%uint64(len(p.queues))] <- job{ctx: context.WithoutCancel(ctx), fn: fn}:
		security.BackgroundJobQueued(p.name)
		return true
	default:
		p.pending.Done()
		security.CountBackgroundDropped(p.name)
		log.Warn("Background queue full, dropping job", "pool", p.name)
		return false
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	defer security.BackgroundJobDone(p.name)
	ctx, cancel := context.WithTimeout(j.ctx, p.timeout)
	defer cancel()
	j.fn(ctx)
}

// Wait blocks until every accepted job has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close stops accepting jobs, runs what is already queued and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	_ = p.workers.Wait()
}

// KeyOf spreads string identifiers across workers.
func KeyOf(s string) uint64 {
	return xxhash.Sum64String(s)
}
