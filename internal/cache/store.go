// Package cache provides the single-flight, TTL/LRU key-value layer used
// for profiles, follow lists, mute lists, badge sets, and relay capability
// documents. Each entity class gets its own bounded store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/murmurhq/feedcore/internal/logger"
	"github.com/murmurhq/feedcore/internal/metrics"
)

// PersistentStorage is the injected durability capability. Failures are
// treated as cache misses, never as fatal.
type PersistentStorage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Fetcher resolves a missing value from upstream (usually a relay query).
type Fetcher[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	Value     V     `json:"value"`
	ExpiresAt int64 `json:"expires_at"` // unix nanos
}

func (e entry[V]) fresh(now time.Time) bool {
	return now.UnixNano() < e.ExpiresAt
}

// Store is a bounded TTL/LRU cache for one entity class.
type Store[V any] struct {
	class   string
	ttl     time.Duration
	entries *lru.Cache[string, entry[V]]
	group   singleflight.Group
	storage PersistentStorage
	log     *zap.Logger
}

// NewStore builds a store with an entry-count ceiling and a default TTL.
// storage may be nil.
func NewStore[V any](class string, capacity int, ttl time.Duration, storage PersistentStorage) *Store[V] {
	entries, err := lru.NewWithEvict[string, entry[V]](capacity, func(string, entry[V]) {
		metrics.CacheEvictions.WithLabelValues(class).Inc()
	})
	if err != nil {
		// Only reachable with capacity <= 0, which config validation forbids.
		panic(err)
	}
	return &Store[V]{
		class:   class,
		ttl:     ttl,
		entries: entries,
		storage: storage,
		log:     logger.New("cache." + class),
	}
}

// GetOrFetch returns the cached value for key, collapsing concurrent
// fetches for the same missing key into a single upstream call. An expired
// entry is refreshed before being returned; if the refresh fails, the
// stale value is served (fail open) together with a nil error.
func (s *Store[V]) GetOrFetch(ctx context.Context, key string, fetch Fetcher[V]) (V, error) {
	now := time.Now()
	if e, ok := s.entries.Get(key); ok && e.fresh(now) {
		metrics.CacheHits.WithLabelValues(s.class).Inc()
		return e.Value, nil
	}
	metrics.CacheMisses.WithLabelValues(s.class).Inc()

	// The fetch runs detached from the calling context: cancelling one
	// waiter must not abort the upstream fetch for the others.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent Put may have landed.
		if e, ok := s.entries.Get(key); ok && e.fresh(time.Now()) {
			return e.Value, nil
		}
		if v, ok := s.fromStorage(key); ok {
			return v, nil
		}
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.store(key, v, s.ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// Refresh attempt failed; serve a stale entry if one survives.
			if e, ok := s.entries.Get(key); ok {
				s.log.Debug("serving stale entry after failed refresh",
					zap.String("key", key), zap.Error(res.Err))
				return e.Value, nil
			}
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Put inserts a value with an explicit TTL, overriding the class default
// when ttl > 0.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.store(key, value, ttl)
}

// Peek returns the value without counting a hit or consulting storage.
func (s *Store[V]) Peek(key string) (V, bool) {
	if e, ok := s.entries.Get(key); ok && e.fresh(time.Now()) {
		return e.Value, true
	}
	var zero V
	return zero, false
}

// Invalidate removes the key from memory and durable storage. It is
// synchronous so a read issued after the triggering write never observes
// the invalidated value.
func (s *Store[V]) Invalidate(key string) {
	s.entries.Remove(key)
	if s.storage != nil {
		if err := s.storage.Remove(s.storageKey(key)); err != nil {
			s.log.Debug("storage remove failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Len reports the number of resident entries.
func (s *Store[V]) Len() int { return s.entries.Len() }

func (s *Store[V]) store(key string, value V, ttl time.Duration) {
	e := entry[V]{Value: value, ExpiresAt: time.Now().Add(ttl).UnixNano()}
	s.entries.Add(key, e)
	if s.storage == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.storage.Set(s.storageKey(key), raw); err != nil {
		s.log.Debug("storage set failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store[V]) fromStorage(key string) (V, bool) {
	var zero V
	if s.storage == nil {
		return zero, false
	}
	raw, err := s.storage.Get(s.storageKey(key))
	if err != nil || len(raw) == 0 {
		return zero, false
	}
	var e entry[V]
	if err := json.Unmarshal(raw, &e); err != nil {
		return zero, false
	}
	if !e.fresh(time.Now()) {
		return zero, false
	}
	s.entries.Add(key, e)
	return e.Value, true
}

func (s *Store[V]) storageKey(key string) string {
	return "feedcore/" + s.class + "/" + key
}
