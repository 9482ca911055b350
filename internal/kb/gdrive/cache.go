package gdrive

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheKeyPrefix namespaces GDriveLoader's Redis state, per spec.md §4.H's
// `ai_coach:gdrive:folder:<fid>:{summary,fingerprint}` keys.
const cacheKeyPrefix = "ai_coach:gdrive:folder:"

// Cache is the narrow Redis surface the loader needs for its summary and
// fingerprint keys — distinct from internal/idempotency.State because the
// fingerprint key is deliberately never expired (a fixed TTL there would
// force a needless full reload), while the summary key expires after the
// loader's own SummaryTTL; idempotency.State applies one TTL to every key
// it sets.
type Cache struct {
	rdb redis.UniversalClient
}

// NewCache returns a Cache backed by rdb.
func NewCache(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

func summaryKey(folderID string) string     { return cacheKeyPrefix + folderID + ":summary" }
func fingerprintKey(folderID string) string { return cacheKeyPrefix + folderID + ":fingerprint" }

// SetSummary stores raw JSON summary, expiring after ttl (<=0 means no
// expiry). Failures are logged by the caller, never fatal to Load.
func (c *Cache) SetSummary(ctx context.Context, folderID, summaryJSON string, ttl time.Duration) error {
	if ttl > 0 {
		return c.rdb.Set(ctx, summaryKey(folderID), summaryJSON, ttl).Err()
	}
	return c.rdb.Set(ctx, summaryKey(folderID), summaryJSON, 0).Err()
}

// Fingerprint returns the last stored fingerprint for folderID, and
// whether one was found.
func (c *Cache) Fingerprint(ctx context.Context, folderID string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, fingerprintKey(folderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetFingerprint persists folderID's fingerprint with no expiry, matching
// original_source's `client.set(cache_key, fingerprint)` (no `ex=`).
func (c *Cache) SetFingerprint(ctx context.Context, folderID, fingerprint string) error {
	return c.rdb.Set(ctx, fingerprintKey(folderID), fingerprint, 0).Err()
}
