// Package coalesce provides a TTL cache whose concurrent refreshes collapse
// into a single in-flight fetch. Callers arriving while a refresh is running
// attach to its completion instead of issuing duplicate upstream reads.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// DefaultFreshness is the cache window applied when a caller passes a
// negative freshness.
const DefaultFreshness = 10 * time.Second

// Cache holds one value of type T with its refresh timestamp.
type Cache[T any] struct {
	mu       sync.Mutex
	value    T
	updated  time.Time
	inflight chan struct{}
	err      error
	now      func() time.Time
}

// New constructs an empty cache. A nil clock falls back to time.Now.
func New[T any](now func() time.Time) *Cache[T] {
	if now == nil {
		now = time.Now
	}
	return &Cache[T]{now: now}
}

// Get returns the cached value when it is younger than freshness, otherwise
// refreshes it via fetch. A freshness below zero selects DefaultFreshness; a
// freshness of zero forces a refresh. Only one fetch runs at a time; callers
// arriving during a refresh wait for it and share its outcome.
func (c *Cache[T]) Get(ctx context.Context, freshness time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if freshness < 0 {
		freshness = DefaultFreshness
	}

	for {
		c.mu.Lock()
		if c.inflight == nil {
			if !c.updated.IsZero() && c.now().Sub(c.updated) < freshness {
				value := c.value
				c.mu.Unlock()
				return value, nil
			}

			done := make(chan struct{})
			c.inflight = done
			c.mu.Unlock()

			value, err := fetch(ctx)

			c.mu.Lock()
			if err == nil {
				c.value = value
				c.updated = c.now()
			}
			c.err = err
			c.inflight = nil
			close(done)
			c.mu.Unlock()

			if err != nil {
				return zero, err
			}
			return value, nil
		}

		done := c.inflight
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-done:
		}

		c.mu.Lock()
		err := c.err
		value := c.value
		c.mu.Unlock()
		if err != nil {
			return zero, err
		}
		return value, nil
	}
}

// Peek returns the cached value and whether it has ever been populated,
// without triggering a refresh.
func (c *Cache[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, !c.updated.IsZero()
}

// Invalidate clears the refresh timestamp so the next Get refetches.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = time.Time{}
}
