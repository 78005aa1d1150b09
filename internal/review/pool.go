package review

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/joescharf/critique/internal/metrics"
)

// ProcessFunc handles one review id.
type ProcessFunc func(ctx context.Context, id string) error

// PanicFunc is called after a worker recovers from a panic while handling id.
type PanicFunc func(id string, recovered any)

// Pool runs a fixed number of workers over a bounded queue of review ids.
// An id is never handled by two workers at once.
type Pool struct {
	process ProcessFunc
	onPanic PanicFunc
	workers int
	queue   chan string
	log     *slog.Logger

	mu       sync.Mutex
	queued   map[string]bool
	inflight map[string]context.CancelFunc
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a pool. Workers do not run until Start.
func NewPool(process ProcessFunc, onPanic PanicFunc, workers, queueSize int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		process:  process,
		onPanic:  onPanic,
		workers:  workers,
		queue:    make(chan string, queueSize),
		log:      log,
		queued:   make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. Later calls do nothing.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work()
		}
		p.log.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
	})
}

// Stop cancels in-flight work and waits for the workers to exit.
// Queued ids are dropped; they remain pending in the store.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("worker pool stopped")
	})
}

// Enqueue queues id without blocking. It reports false when the queue is full
// or the pool is stopped. An id already queued or in flight is accepted as is.
func (p *Pool) Enqueue(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if p.queued[id] || p.inflight[id] != nil {
		return true
	}
	select {
	case p.queue <- id:
		p.queued[id] = true
		metrics.QueueDepth.Set(float64(len(p.queued)))
		return true
	default:
		return false
	}
}

// InFlight reports whether id is queued or being processed.
func (p *Pool) InFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued[id] || p.inflight[id] != nil
}

// Abandon cancels the run for id if one is active.
func (p *Pool) Abandon(id string) bool {
	p.mu.Lock()
	cancel := p.inflight[id]
	p.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.run(id)
		}
	}
}

func (p *Pool) run(id string) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	p.mu.Lock()
	delete(p.queued, id)
	metrics.QueueDepth.Set(float64(len(p.queued)))
	if p.inflight[id] != nil {
		p.mu.Unlock()
		return
	}
	p.inflight[id] = cancel
	p.mu.Unlock()
	metrics.ReviewsInFlight.Inc()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", "review_id", id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(id, r)
			}
		}
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
		metrics.ReviewsInFlight.Dec()
	}()

	if err := p.process(ctx, id); err != nil {
		p.log.Warn("review processing error", "review_id", id, "error", err)
	}
}
