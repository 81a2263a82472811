package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool is a named concurrency budget shared by every caller holding it.
type Pool struct {
	name  string
	limit int64
	sem   *semaphore.Weighted
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Limit returns the maximum number of concurrent holders.
func (p *Pool) Limit() int { return int(p.limit) }

// Do runs fn once a slot is available. It returns ctx.Err() when the context
// ends before a slot frees up.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Pools hands out named pools. A pool is created on first use and kept until
// Clear is called.
type Pools struct {
	mu           sync.Mutex
	defaultLimit int
	limits       map[string]int
	pools        map[string]*Pool
}

// NewPools creates a registry whose pools default to defaultLimit slots.
func NewPools(defaultLimit int) *Pools {
	if defaultLimit <= 0 {
		defaultLimit = 1
	}
	return &Pools{
		defaultLimit: defaultLimit,
		limits:       make(map[string]int),
		pools:        make(map[string]*Pool),
	}
}

// SetLimit overrides the limit for a pool that has not been created yet.
// Existing pools keep their limit until Clear.
func (p *Pools) SetLimit(name string, limit int) {
	if limit <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[name] = limit
}

// Pool returns the pool registered under name, creating it if needed.
func (p *Pools) Pool(name string) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[name]; ok {
		return pool
	}
	limit := p.defaultLimit
	if l, ok := p.limits[name]; ok {
		limit = l
	}
	pool := &Pool{name: name, limit: int64(limit), sem: semaphore.NewWeighted(int64(limit))}
	p.pools[name] = pool
	return pool
}

// Len reports how many pools exist.
func (p *Pools) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools)
}

// Clear drops every pool. Callers still holding a pool keep using it.
func (p *Pools) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools = make(map[string]*Pool)
}

// RunPool executes tasks inside pool and reports every outcome in input
// order. The pool bound applies across every concurrent RunPool/Do on the
// same pool.
func RunPool[T any](ctx context.Context, pool *Pool, tasks []Task[T]) []Result[T] {
	wrapped := make([]Task[T], len(tasks))
	for i, task := range tasks {
		wrapped[i] = func(ctx context.Context) (T, error) {
			var out T
			err := pool.Do(ctx, func(ctx context.Context) error {
				res := invoke(ctx, task)
				out = res.Value
				return res.Err
			})
			return out, err
		}
	}
	// The pool semaphore is the real bound; the goroutine fan-out is capped
	// at the pool size so idle waiters stay cheap.
	return RunSettled(ctx, pool.Limit(), wrapped)
}
