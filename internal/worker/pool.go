// Package worker provides the bounded-capacity goroutine pool backing the
// event admin's asynchronous dispatch (C8), per SPEC_FULL.md §4.6 (C9). DCR
// activation runs synchronously on the caller's goroutine and does not use it.
package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"module/pkg/logging"
)

// DefaultCapacity is used when a framework is constructed without an
// explicit worker.pool.size; see DESIGN.md Open Question 2.
func DefaultCapacity() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// Pool is a bounded worker pool: Submit acquires one weight unit from a
// semaphore.Weighted before spawning the task's goroutine and releases it on
// completion, giving "submitting when full blocks the submitter" without a
// hand-rolled channel-and-counter pool.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int64
}

// New returns a Pool with the given capacity (must be >= 1).
func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Capacity returns the pool's configured concurrency bound.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Submit blocks until a worker slot is free or ctx is cancelled, then runs
// task on a new goroutine. Submit itself returns as soon as the task has
// been launched, not when it completes.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logging.Error("Worker", nil, "task panicked: %v", r)
			}
		}()
		task()
	}()
	return nil
}

// Drain blocks until every outstanding task has released its slot, or ctx is
// cancelled, by acquiring the full capacity and releasing it immediately.
// Used by framework shutdown to implement "wait for worker-pool drain".
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.capacity); err != nil {
		return err
	}
	p.sem.Release(p.capacity)
	return nil
}
