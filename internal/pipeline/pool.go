package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"superfetch/internal/model"
)

const (
	minPoolWorkers  = 2
	maxPoolWorkers  = 4
	poolQueueFactor = 8
)

// PoolStats is a point-in-time snapshot of the transform pool.
type PoolStats struct {
	QueueDepth    int `json:"queueDepth"`
	ActiveWorkers int `json:"activeWorkers"`
	Capacity      int `json:"capacity"`
}

type poolTask struct {
	run  func() error
	done chan error
}

// Pool bounds concurrent transform work. Transforms are CPU-bound; running
// them unbounded lets one busy client starve the rest of the process.
type Pool struct {
	tasks   chan poolTask
	workers int
	active  atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts a pool with the given worker count, clamped to [2, 4].
func NewPool(workers int) *Pool {
	if workers < minPoolWorkers {
		workers = minPoolWorkers
	}
	if workers > maxPoolWorkers {
		workers = maxPoolWorkers
	}
	p := &Pool{
		tasks:   make(chan poolTask, workers*poolQueueFactor),
		workers: workers,
		closed:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.active.Add(1)
			err := p.safeRun(task.run)
			p.active.Add(-1)
			task.done <- err
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewInternalError(fmt.Errorf("transform panic: %v", r))
		}
	}()
	return fn()
}

// Do runs fn on a pool worker and waits for it. Queueing and waiting both
// respect ctx; a cancelled caller does not leave a stuck worker because the
// result channel is buffered.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	task := poolTask{run: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return model.NewAbortedError("")
	case <-p.closed:
		return model.NewInternalError(errors.New("transform pool closed"))
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return model.NewAbortedError("")
	}
}

// Stats reports queue depth, busy workers, and capacity.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		QueueDepth:    len(p.tasks),
		ActiveWorkers: int(p.active.Load()),
		Capacity:      p.workers,
	}
}

// Close stops the workers. Queued tasks that have not started are dropped;
// their callers see the pool-closed error only if they were still queueing.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}
