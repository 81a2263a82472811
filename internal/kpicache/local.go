package kpicache

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the local tier when no size is configured.
const DefaultMaxEntries = 1000

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Local is the in-process tier: a size bounded LRU whose entries also expire.
// Expired entries are dropped lazily on read and by Sweep.
type Local[V any] struct {
	entries *lru.Cache[string, entry[V]]
	now     func() time.Time
}

// NewLocal creates a local tier holding at most maxEntries values.
func NewLocal[V any](maxEntries int, now func() time.Time) (*Local[V], error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	entries, err := lru.New[string, entry[V]](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("kpicache: local tier: %w", err)
	}
	return &Local[V]{entries: entries, now: now}, nil
}

// Get returns a live value and marks it recently used.
func (l *Local[V]) Get(key string) (V, bool) {
	e, ok := l.entries.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !l.now().Before(e.expiresAt) {
		l.entries.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for ttl. It reports whether an older entry was evicted to
// make room.
func (l *Local[V]) Set(key string, value V, ttl time.Duration) bool {
	return l.entries.Add(key, entry[V]{value: value, expiresAt: l.now().Add(ttl)})
}

// Remove drops a single key.
func (l *Local[V]) Remove(key string) bool {
	return l.entries.Remove(key)
}

// RemovePrefix drops every key starting with prefix and returns the count.
func (l *Local[V]) RemovePrefix(prefix string) int {
	removed := 0
	for _, key := range l.entries.Keys() {
		if strings.HasPrefix(key, prefix) && l.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

// Sweep drops expired entries without touching recency.
func (l *Local[V]) Sweep() int {
	now := l.now()
	removed := 0
	for _, key := range l.entries.Keys() {
		e, ok := l.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) && l.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (l *Local[V]) Len() int {
	return l.entries.Len()
}

// Purge empties the tier.
func (l *Local[V]) Purge() {
	l.entries.Purge()
}
