// Package lock implements spec.md §4.K: LockCache, a process-local
// registry of named mutexes used to serialize per-alias projection, plus
// RedisLock, a best-effort distributed lock shared across kbcore
// processes.
//
// Grounded on the RateLimiter pattern
// (services/trace/agent/providers/egress/rate_limiter.go), which keeps a
// mutex-guarded map keyed by provider name and lazily creates an entry on
// first use — the same shape LockCache needs keyed by dataset alias
// instead of provider name.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aicoach/kbcore/internal/errs"
)

// Cache lazily creates and remembers one *sync.Mutex per key, so that
// unrelated keys never contend with each other and a given key's mutex is
// always the same instance across calls.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for key, creating it on first use.
func (c *Cache) Get(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Len reports how many distinct keys have been locked at least once.
// Intended for tests and diagnostics, not capacity management — entries
// are never evicted, mirroring a provider-keyed rate limiter
// map which is sized by the small, bounded set of providers rather than
// by request volume.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

const defaultRedisLockTTL = 30 * time.Second

// RedisLock is a best-effort cross-process mutex built on Redis SET NX EX,
// used where LockCache's in-process mutex is insufficient because kbcore
// runs as more than one replica (spec.md §4.K). Acquisition never blocks;
// on Redis unavailability Acquire and WithLock return the error without
// taking the lock, and WithLock does not run fn.
type RedisLock struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisLock returns a RedisLock backed by rdb with the default TTL.
func NewRedisLock(rdb redis.UniversalClient) *RedisLock {
	return &RedisLock{rdb: rdb, ttl: defaultRedisLockTTL}
}

// WithTTL returns a copy of l using ttl instead of the default.
func (l *RedisLock) WithTTL(ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: l.rdb, ttl: ttl}
}

func lockKey(key string) string { return "lock:" + key }

// Acquire attempts to take the named lock, returning a token to pass to
// Release and whether the lock was acquired. On Redis error it returns
// (false, wrapped error) rather than silently granting the lock — callers
// that want best-effort semantics should treat an error as "proceed
// without the lock", per spec.md §4.K.
func (l *RedisLock) Acquire(ctx context.Context, key string) (token string, acquired bool, err error) {
	token = uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(key), token, l.ttl).Result()
	if err != nil {
		return "", false, errs.Wrap("lock: acquire", err)
	}
	return token, ok, nil
}

// releaseScript only deletes the key if it still holds our token, so a
// slow holder never releases a lock another caller has since acquired
// after TTL expiry.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Release drops the lock identified by key if and only if token still
// owns it.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	if err := l.rdb.Eval(ctx, releaseScript, []string{lockKey(key)}, token).Err(); err != nil {
		return errs.Wrap("lock: release", err)
	}
	return nil
}

// WithLock runs fn while holding key, releasing it afterward regardless
// of fn's outcome. Non-acquisition is returned as (false, nil) rather
// than an error, since failing to acquire is an expected, non-exceptional
// outcome.
func (l *RedisLock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	token, ok, err := l.Acquire(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() { _ = l.Release(ctx, key, token) }()
	return true, fn(ctx)
}
