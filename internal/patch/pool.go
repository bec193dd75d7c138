package patch

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of work run by a Pool.
type Task func(ctx context.Context) error

// Pool runs tasks on at most N goroutines at a time. Submit never blocks.
// A failing task does not cancel its siblings: Wait drains every submitted
// task and returns the first error.
type Pool struct {
	ctx  context.Context
	size int
	sem  *semaphore.Weighted
	g    errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool bounded to size concurrent tasks. A size of zero or
// less uses GOMAXPROCS. Tasks receive ctx; once it is cancelled, tasks that
// have not started yet return ctx.Err() without running.
func NewPool(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		ctx:  ctx,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Submit schedules task and returns immediately.
func (p *Pool) Submit(task Task) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	p.g.Go(func() error {
		if closed {
			return ErrPoolClosed
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return err
		}
		defer p.sem.Release(1)
		return task(p.ctx)
	})
}

// Wait blocks until every submitted task has finished and returns the first
// error any of them reported.
func (p *Pool) Wait() error {
	return p.g.Wait()
}

// Close rejects further submissions and waits for outstanding work.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.g.Wait()
}
