package daemon

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Shutdown started.
var ErrPoolClosed = errors.New("daemon: worker pool closed")

// Pool runs tasks on a bounded number of goroutines. Submit blocks while all
// slots are busy, which throttles the loops feeding it.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	mu       sync.Mutex
	closed   bool
	log      *zap.SugaredLogger
	metrics  *Metrics
}

func NewPool(size int, logger *zap.SugaredLogger, metrics *Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		log:     logger.Named("pool"),
		metrics: metrics,
	}
}

// Submit waits for a free slot and starts fn on it. fn receives a context
// detached from ctx's cancellation: once started, a task runs to completion.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.setInFlight(p.inFlight.Add(1))
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorf("task_panic task=%s panic=%v stack=%s", name, r, debug.Stack())
			}
			p.setInFlight(p.inFlight.Add(-1))
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(taskCtx)
	}()
	return nil
}

func (p *Pool) setInFlight(n int64) {
	if p.metrics != nil {
		p.metrics.PoolInFlight.Set(float64(n))
	}
}

func (p *Pool) Size() int { return int(p.size) }

// InFlight is the number of running tasks.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Shutdown rejects new tasks and waits up to grace for running ones. It
// reports whether every task finished in time.
func (p *Pool) Shutdown(grace time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		p.log.Warnf("pool_drain_timeout grace=%s in_flight=%d", grace, p.InFlight())
		return false
	}
}
