// Package sync2 provides bounded-concurrency helpers.
package sync2

import (
	"context"
	"sync"
)

// Limiter implements concurrent goroutine limiting.
type Limiter struct {
	limit   chan struct{}
	working sync.WaitGroup
}

// NewLimiter creates a new limiter for limiting concurrently running tasks.
func NewLimiter(limit int) *Limiter {
	return &Limiter{
		limit: make(chan struct{}, limit),
	}
}

// Go tries to start fn as a goroutine.
// When the limit is reached it waits until it can run it
// or the context is canceled.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case limiter.limit <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	limiter.working.Add(1)
	go func() {
		defer func() {
			<-limiter.limit
			limiter.working.Done()
		}()
		fn()
	}()
	return true
}

// Wait waits for all running goroutines to finish.
func (limiter *Limiter) Wait() {
	limiter.working.Wait()
}
