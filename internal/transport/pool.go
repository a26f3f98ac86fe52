package transport

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of sessions served at once. Listeners block on
// Acquire when the pool is saturated instead of rejecting connections.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool admitting up to size concurrent sessions.
//
// Precondition: size >= 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Size returns the configured capacity.
func (p *Pool) Size() int {
	return p.size
}
