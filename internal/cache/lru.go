package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/route-beacon/rib-engine/internal/metrics"
)

// LRU is a bounded, thread-safe cache that counts hits and misses.
type LRU[K comparable, V any] struct {
	name   string
	c      *lru.Cache[K, V]
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewLRU[K comparable, V any](name string, size int) (*LRU[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	return &LRU[K, V]{name: name, c: c}, nil
}

func (l *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := l.c.Get(key)
	if ok {
		l.hits.Add(1)
		metrics.CacheLookupsTotal.WithLabelValues(l.name, "hit").Inc()
	} else {
		l.misses.Add(1)
		metrics.CacheLookupsTotal.WithLabelValues(l.name, "miss").Inc()
	}
	return v, ok
}

// Peek reads without touching recency or the counters.
func (l *LRU[K, V]) Peek(key K) (V, bool) {
	return l.c.Peek(key)
}

func (l *LRU[K, V]) Add(key K, value V) {
	l.c.Add(key, value)
}

func (l *LRU[K, V]) Remove(key K) {
	l.c.Remove(key)
}

func (l *LRU[K, V]) Len() int {
	return l.c.Len()
}

func (l *LRU[K, V]) Hits() uint64 {
	return l.hits.Load()
}

func (l *LRU[K, V]) Misses() uint64 {
	return l.misses.Load()
}
