package issuecredential

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/findy-network/issuecred-engine/agent/lock"
	"github.com/findy-network/issuecred-engine/core"
)

// LRUCache is the engine's default core.Cache: an in-process, TTL-aware
// cache backed by hashicorp/golang-lru, with Acquire's exclusivity
// implemented via agent/lock.Registry (one mutex per key, held for the
// lease's lifetime) rather than a second locking primitive. A deployment
// that wants the dedup cache shared across processes supplies its own
// core.Cache (e.g. Redis-backed) instead of this one; the engine itself
// never assumes LRUCache is in use.
type LRUCache struct {
	entries *lru.Cache[string, cacheEntry]
	locks   *lock.Registry
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLRUCache returns an LRUCache holding up to size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{entries: c, locks: lock.NewRegistry()}, nil
}

// Acquire implements core.Cache.
func (c *LRUCache) Acquire(_ context.Context, key string) (core.Lease, error) {
	unlock := c.locks.Lock(key)
	return &lruLease{cache: c, key: key, unlock: unlock}, nil
}

type lruLease struct {
	cache  *LRUCache
	key    string
	unlock func()
	once   sync.Once
}

func (l *lruLease) Result() (interface{}, bool) {
	e, ok := l.cache.entries.Get(l.key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		l.cache.entries.Remove(l.key)
		return nil, false
	}
	return e.value, true
}

func (l *lruLease) SetResult(_ context.Context, value interface{}, ttlSeconds int) error {
	l.cache.entries.Add(l.key, cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	})
	return nil
}

func (l *lruLease) Release() {
	l.once.Do(l.unlock)
}

// withCache runs generate under cache's lease for key when cache is
// non-nil, adopting any cached result instead of recomputing (spec.md
// §4.4). Regardless of whether cache is configured, concurrent callers for
// the identical key within this process are additionally collapsed onto a
// single in-flight generate() call via singleflight — so property 8 ("two
// concurrent create_offer calls for the same cred_def_id ... invoke the
// issuer exactly once") holds even when no external Cache is plugged in,
// not only when one is.
func withCache(ctx context.Context, cache core.Cache, key string, ttlSeconds int, generate func() (interface{}, error)) (interface{}, error) {
	v, err, _ := sharedGroup.Do(key, func() (interface{}, error) {
		if cache == nil {
			return generate()
		}
		lease, err := cache.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		if v, ok := lease.Result(); ok {
			return v, nil
		}
		v, err := generate()
		if err != nil {
			return nil, err
		}
		if err := lease.SetResult(ctx, v, ttlSeconds); err != nil {
			return nil, err
		}
		return v, nil
	})
	return v, err
}

var sharedGroup singleflight.Group
