// Package kpicache caches computed KPI results with period-aware lifetimes.
//
// Lookups go to an in-process LRU first and, when configured, to a shared
// Redis tier. Misses for the same key are collapsed so a burst of identical
// requests triggers one computation. Failed computations are never stored.
package kpicache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Tier labels used in metrics.
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// Options configure a Cache.
type Options struct {
	MaxEntries int
	Policy     TTLPolicy
	Remote     *Remote
	Metrics    *Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// ComputeFunc produces the value for a missing key.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Cache is a two tier read-through cache for values of type V. Values
// written to the remote tier are encoded as JSON.
type Cache[V any] struct {
	local   *Local[V]
	remote  *Remote
	policy  TTLPolicy
	metrics *Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// New constructs a cache from opts.
func New[V any](opts Options) (*Cache[V], error) {
	local, err := NewLocal[V](opts.MaxEntries, opts.Now)
	if err != nil {
		return nil, err
	}
	policy := opts.Policy
	if policy == (TTLPolicy{}) {
		policy = DefaultTTLPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		local:   local,
		remote:  opts.Remote,
		policy:  policy,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// Policy returns the TTL policy in use.
func (c *Cache[V]) Policy() TTLPolicy {
	return c.policy
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. Concurrent callers for the same key share one computation; a
// caller whose ctx ends stops waiting without cancelling the others.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc[V]) (V, error) {
	var zero V
	if compute == nil {
		return zero, errors.New("kpicache: compute function required")
	}
	id := key.String()
	if v, ok := c.local.Get(id); ok {
		c.metrics.hit(TierLocal, key.KPI)
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (interface{}, error) {
		return c.fill(shared, key, id, compute)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *Cache[V]) fill(ctx context.Context, key Key, id string, compute ComputeFunc[V]) (V, error) {
	var zero V
	// A previous flight may have stored the value between our miss and now.
	if v, ok := c.local.Get(id); ok {
		c.metrics.hit(TierLocal, key.KPI)
		return v, nil
	}
	ttl := c.policy.For(key.Period)

	if c.remote != nil {
		payload, remaining, ok, err := c.remote.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("kpi cache remote read failed", slog.String("key", id), slog.Any("error", err))
		case ok:
			var v V
			if err := json.Unmarshal(payload, &v); err == nil {
				c.metrics.hit(TierRemote, key.KPI)
				// The local copy must not outlive the shared one.
				if remaining > 0 && remaining < ttl {
					ttl = remaining
				}
				c.local.Set(id, v, ttl)
				return v, nil
			}
			c.logger.Warn("kpi cache remote payload undecodable", slog.String("key", id))
		}
	}

	c.metrics.miss(key.KPI)
	started := time.Now()
	v, err := compute(ctx)
	c.metrics.observe(key.KPI, time.Since(started), err)
	if err != nil {
		return zero, err
	}
	c.store(ctx, key, id, v, ttl)
	return v, nil
}

func (c *Cache[V]) store(ctx context.Context, key Key, id string, v V, ttl time.Duration) {
	c.local.Set(id, v, ttl)
	if c.remote == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("kpi cache encode failed", slog.String("key", id), slog.Any("error", err))
		return
	}
	if err := c.remote.Set(ctx, key, payload, ttl); err != nil {
		c.logger.Warn("kpi cache remote write failed", slog.String("key", id), slog.Any("error", err))
	}
}

// Set stores v under key, replacing any previous value.
func (c *Cache[V]) Set(ctx context.Context, key Key, v V) {
	c.store(ctx, key, key.String(), v, c.policy.For(key.Period))
}

// Get returns a live cached value from the local tier.
func (c *Cache[V]) Get(key Key) (V, bool) {
	return c.local.Get(key.String())
}

// Invalidate removes a single key from both tiers.
func (c *Cache[V]) Invalidate(ctx context.Context, key Key) error {
	c.local.Remove(key.String())
	if c.remote == nil {
		return nil
	}
	return c.remote.Delete(ctx, key)
}

// InvalidateTenant removes every entry of a tenant. The remote tier is
// invalidated by bumping the tenant version, which other processes observe
// through Listen.
func (c *Cache[V]) InvalidateTenant(ctx context.Context, service string, companyID int64) (int, error) {
	removed := c.local.RemovePrefix(TenantPrefix(service, companyID))
	if c.remote == nil {
		return removed, nil
	}
	return removed, c.remote.Bump(ctx, service, companyID)
}

// Listen drops local entries when another process bumps a tenant version.
func (c *Cache[V]) Listen(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Listen(ctx, func(service string, companyID int64) {
		n := c.local.RemovePrefix(TenantPrefix(service, companyID))
		c.logger.Debug("kpi cache tenant invalidated",
			slog.String("service", service),
			slog.Int64("company_id", companyID),
			slog.Int("removed", n))
	})
}

// Sweep drops expired local entries.
func (c *Cache[V]) Sweep() int {
	return c.local.Sweep()
}

// Run sweeps expired entries every interval until ctx ends.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.local.Sweep(); n > 0 {
				c.logger.Debug("kpi cache swept", slog.Int("removed", n))
			}
		}
	}
}

// Len returns the number of local entries.
func (c *Cache[V]) Len() int {
	return c.local.Len()
}

// Purge empties the local tier.
func (c *Cache[V]) Purge() {
	c.local.Purge()
}
