// Package workerpool runs tasks on a fixed set of goroutines fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Stop has begun.
var ErrStopped = errors.New("worker pool stopped")

// Pool is a fixed-size worker pool. Submit blocks while the queue is full,
// which pushes backpressure onto the caller.
type Pool struct {
	tasks  chan func()
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}

	logger.Info("worker pool started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize),
	)
	return p
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(idx, task)
	}
}

func (p *Pool) run(idx int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pool worker",
				zap.Int("worker", idx),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	task()
}

// Submit queues task, blocking until there is room or ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Stop rejects new tasks, runs everything already queued and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
