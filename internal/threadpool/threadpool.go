// Package threadpool runs connection handlers on a bounded set of goroutines
// inside one worker process.
package threadpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of handler slots per worker process.
const DefaultSize = 10

var ErrClosed = errors.New("threadpool: closed")

// Pool is a fixed number of handler slots. OnFull runs on the dispatching
// goroutine each time a dispatch leaves every slot busy.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	busy   atomic.Int64
	onFull func()

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New returns a pool of size slots. size <= 0 selects DefaultSize.
func New(size int, onFull func()) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		onFull: onFull,
	}
}

func (p *Pool) Size() int { return int(p.size) }
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// WaitForIdler blocks until at least one slot is free. With a single
// dispatching goroutine the slot stays free until the next Dispatch.
func (p *Pool) WaitForIdler(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.sem.Release(1)
	return nil
}

// Dispatch takes a slot, blocking while none is free, and runs fn on it.
func (p *Pool) Dispatch(ctx context.Context, fn func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	if p.busy.Add(1) == p.size && p.onFull != nil {
		p.onFull()
	}
	go func() {
		defer func() {
			p.busy.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Close refuses new work and waits for running handlers.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}
