package policyd

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThreadPool is the bounded in-process worker backend (spec.md §4.6): a
// fixed set of goroutines draining a shared buffered channel. min/max
// The worker count is fixed at maxThreads; minThreads does not size the
// pool and is only kept so reload can compare both knobs to decide whether
// to recreate it. Workers are never scaled up or down at runtime.
type ThreadPool struct {
	minThreads int
	maxThreads int
	queue      chan Task
	log        *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewThreadPool starts maxThreads worker goroutines draining a queue sized
// maxThreads*10, per spec.md §4.6.
func NewThreadPool(minThreads, maxThreads int, log *zap.Logger) *ThreadPool {
	if maxThreads < 1 {
		maxThreads = 1
	}
	if minThreads < 1 {
		minThreads = 1
	}
	p := &ThreadPool{
		minThreads: minThreads,
		maxThreads: maxThreads,
		queue:      make(chan Task, maxThreads*10),
		log:        log,
	}
	for i := 0; i < maxThreads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *ThreadPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		task.run(context.Background())
	}
}

// AddTask blocks while the queue is full, which is the backpressure
// mechanism the accept loop relies on (spec.md §4.6, §5).
func (p *ThreadPool) AddTask(ctx context.Context, t Task) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPoolClosed
	}
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the queue (no more tasks accepted) and joins workers with
// a bounded timeout, matching the 120s join timeout used for the process
// backend (spec.md §5).
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(120 * time.Second):
		p.log.Warn("threadpool shutdown timed out waiting for workers")
		return errShutdownTimeout
	}
}

// Len reports the number of tasks currently queued (not yet picked up by a
// worker).
func (p *ThreadPool) Len() int { return len(p.queue) }

// MinThreads and MaxThreads expose the pool's sizing for reload comparison
// (spec.md §4.6 "Introspection... must be exposed for reload comparison").
func (p *ThreadPool) MinThreads() int { return p.minThreads }
func (p *ThreadPool) MaxThreads() int { return p.maxThreads }
