// Package hashstore implements spec.md §4.A: a per-dataset set of content
// digests plus a small parallel metadata hash, backed by Redis with a TTL
// retention window. It is kbcore's O(1) dedup probe and the loss-recovery
// source of truth StorageService.Heal reads from.
//
// Redis is not an AleutianAI-AleutianFOSS dependency; this
// package's client usage follows the plain go-redis/v9 idiom (one client,
// context-scoped calls, errors compared with errors.Is(err, redis.Nil))
// since the retrieval pack's only other Redis-touching repo
// (jordigilh-kubernaut) contributed no example source beyond test files.
// Logging style (log/slog, never swallow-and-ignore without a log line)
// is grounded on its adapters.
package hashstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/logging"
)

// DefaultTTL is the retention window spec.md §3 names: "~30 days".
const DefaultTTL = 30 * 24 * time.Hour

const (
	setKeyPrefix  = "cognee_hashes:"
	metaKeyPrefix = "cognee_hash_meta:"
)

// Store implements the HashStore contract of spec.md §4.A against Redis.
//
// Thread Safety: safe for concurrent use; all state lives in Redis.
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store backed by rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, ttl: DefaultTTL, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func setKey(alias string) string  { return setKeyPrefix + alias }
func metaKey(alias string) string { return metaKeyPrefix + alias }

// Contains reports whether sha is a known digest for alias.
//
// Errors: transport failures are logged and swallowed, returning false, per
// spec.md §4.A "callers must tolerate a false contains=false".
func (s *Store) Contains(ctx context.Context, alias, sha string) bool {
	ok, err := s.rdb.SIsMember(ctx, setKey(alias), sha).Result()
	if err != nil {
		s.logger.Warn("hashstore: contains probe failed, assuming miss",
			logging.New().Component("hashstore").Operation("contains").Dataset(alias).Err(err).Args()...)
		return false
	}
	return ok
}

// Add records sha as known for alias, refreshes the set's TTL, and — if
// metadata is non-nil — stores it in the parallel metadata hash.
func (s *Store) Add(ctx context.Context, alias, sha string, metadata map[string]any) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, setKey(alias), sha)
	pipe.Expire(ctx, setKey(alias), s.ttl)

	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return errs.Wrap("hashstore: add: encode metadata", err)
		}
		pipe.HSet(ctx, metaKey(alias), sha, raw)
		pipe.Expire(ctx, metaKey(alias), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("hashstore: add failed",
			logging.New().Component("hashstore").Operation("add").Dataset(alias).Digest(sha).Err(err).Args()...)
		return errs.Wrap("hashstore: add", err)
	}
	return nil
}

// Metadata returns the stored metadata for (alias, sha), or nil if absent
// or undecodable. A decode failure is logged but never surfaced as an
// error, matching spec.md §4.A.
func (s *Store) Metadata(ctx context.Context, alias, sha string) map[string]any {
	raw, err := s.rdb.HGet(ctx, metaKey(alias), sha).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("hashstore: metadata fetch failed",
				logging.New().Component("hashstore").Operation("metadata").Dataset(alias).Digest(sha).Err(err).Args()...)
		}
		return nil
	}

	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("hashstore: metadata decode failed, treating as absent",
			logging.New().Component("hashstore").Operation("metadata").Dataset(alias).Digest(sha).Err(err).Args()...)
		return nil
	}
	return meta
}

// List returns every digest known for alias.
func (s *Store) List(ctx context.Context, alias string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, setKey(alias)).Result()
	if err != nil {
		return nil, errs.Wrap("hashstore: list", err)
	}
	return members, nil
}

// Clear removes every digest and metadata entry for alias.
func (s *Store) Clear(ctx context.Context, alias string) error {
	if _, err := s.rdb.Del(ctx, setKey(alias), metaKey(alias)).Result(); err != nil {
		return errs.Wrap("hashstore: clear", err)
	}
	return nil
}

// Remove drops a single digest and its metadata from alias, used when a
// stale entry's text can no longer be recovered (spec.md §4.D
// ReingestFromHashStore, §7 "storage corruption" policy).
func (s *Store) Remove(ctx context.Context, alias, sha string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, setKey(alias), sha)
	pipe.HDel(ctx, metaKey(alias), sha)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap("hashstore: remove", err)
	}
	return nil
}

// Count returns the number of digests known for alias.
func (s *Store) Count(ctx context.Context, alias string) (int, error) {
	n, err := s.rdb.SCard(ctx, setKey(alias)).Result()
	if err != nil {
		return 0, errs.Wrap("hashstore: count", err)
	}
	return int(n), nil
}

// ListAllDatasets scans Redis for every alias that has a HashStore set,
// returning the aliases with the key prefix stripped.
//
// Uses SCAN rather than KEYS to avoid blocking Redis on large keyspaces,
// following a general avoidance of unbounded synchronous calls
// on shared resources (services/trace/agent/providers/egress/rate_limiter.go
// prunes incrementally rather than scanning unboundedly, same spirit).
func (s *Store) ListAllDatasets(ctx context.Context) ([]string, error) {
	var aliases []string
	iter := s.rdb.Scan(ctx, 0, setKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		aliases = append(aliases, iter.Val()[len(setKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap("hashstore: list all datasets", err)
	}
	return aliases, nil
}
