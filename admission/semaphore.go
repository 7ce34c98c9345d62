package admission

import (
	"context"
	"sync"

	orchestra "github.com/goliatone/go-orchestra"
	"golang.org/x/sync/semaphore"
)

// Concurrency bounds parallelism per scope with counting semaphores.
// Waiters suspend cooperatively and are served FIFO; a limit of 0 means
// unlimited. Release always runs, regardless of execution outcome.
type Concurrency struct {
	mu     sync.Mutex
	sems   map[string]*semaphore.Weighted
	limits map[string]int64
}

// NewConcurrency constructs an empty controller.
func NewConcurrency() *Concurrency {
	return &Concurrency{
		sems:   make(map[string]*semaphore.Weighted),
		limits: make(map[string]int64),
	}
}

// Configure sets the slot limit for a scope. Zero removes the bound.
func (c *Concurrency) Configure(scope string, limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 {
		delete(c.sems, scope)
		delete(c.limits, scope)
		return
	}
	c.limits[scope] = limit
	c.sems[scope] = semaphore.NewWeighted(limit)
}

// Acquire takes one slot in every bounded scope, blocking until slots free
// or ctx is cancelled. The returned release func is safe to call exactly
// once from a defer and releases whatever was acquired.
func (c *Concurrency) Acquire(ctx context.Context, scopes []string) (func(), error) {
	acquired := make([]*semaphore.Weighted, 0, len(scopes))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release(1)
		}
	}
	for _, scope := range scopes {
		sem := c.lookup(scope)
		if sem == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, orchestra.CloneError(orchestra.ErrCancelled, "concurrency acquire interrupted", err, map[string]any{
				"scope": scope,
			})
		}
		acquired = append(acquired, sem)
	}
	return release, nil
}

// TryAcquire takes slots without blocking, reporting whether all succeeded.
func (c *Concurrency) TryAcquire(scopes []string) (func(), bool) {
	acquired := make([]*semaphore.Weighted, 0, len(scopes))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release(1)
		}
	}
	for _, scope := range scopes {
		sem := c.lookup(scope)
		if sem == nil {
			continue
		}
		if !sem.TryAcquire(1) {
			release()
			return nil, false
		}
		acquired = append(acquired, sem)
	}
	return release, true
}

// Limit reports the configured bound for a scope, 0 when unlimited.
func (c *Concurrency) Limit(scope string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits[scope]
}

func (c *Concurrency) lookup(scope string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sems[scope]
}
