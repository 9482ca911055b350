// Package idempotency implements spec.md §4.L: IdempotencyState, a thin
// Redis-backed wrapper around per-request dedup flags (NX-set, EXISTS
// probe, explicit DEL) used by TaskOrchestrator to guarantee a task claim,
// a credit charge, or a callback delivery each fire at most once.
//
// Grounded on the request-dedup convention in
// services/trace/agent/providers/egress (a provider call is keyed and
// short-circuited on replay) generalized from an in-process cache to a
// shared Redis flag so it works across kbcore replicas.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/logging"
)

// DefaultTTL bounds how long a claimed flag survives if never explicitly
// cleared, so a crashed worker cannot wedge a key forever.
const DefaultTTL = 24 * time.Hour

// State implements IdempotencyState against Redis.
//
// Thread Safety: safe for concurrent use; all state lives in Redis.
type State struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a State.
type Option func(*State)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *State) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a State backed by rdb.
func New(rdb redis.UniversalClient, opts ...Option) *State {
	s := &State{rdb: rdb, ttl: DefaultTTL, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Claim atomically sets key if absent, returning true if this call is the
// first to claim it (the caller should proceed) or false if another
// caller already holds it (the caller should skip, per spec.md §4.L /
// §4.I "claim-then-charge-then-execute").
//
// On Redis failure, Claim degrades to "assume claimed" (returns
// claimed=false, err=nil) rather than "assume free", per spec.md §4.L:
// a dropped legitimate retry is preferable to a double execution.
func (s *State) Claim(ctx context.Context, key string) (claimed bool, err error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		s.logger.Warn("idempotency: claim probe failed, assuming already claimed",
			logging.New().Component("idempotency").Operation("claim").Err(err).Args()...)
		return false, nil
	}
	return ok, nil
}

// Exists reports whether key has been claimed (and not yet released). On
// Redis failure it degrades to "assume claimed" (returns true, err=nil),
// matching Claim's policy.
func (s *State) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		s.logger.Warn("idempotency: exists probe failed, assuming claimed",
			logging.New().Component("idempotency").Operation("exists").Err(err).Args()...)
		return true, nil
	}
	return n > 0, nil
}

// SetValue atomically sets key to value if absent, mirroring Claim but
// preserving a caller-supplied payload (e.g. a failure reason) instead of
// the fixed "1" sentinel.
func (s *State) SetValue(ctx context.Context, key, value string) (claimed bool, err error) {
	ok, err := s.rdb.SetNX(ctx, key, value, s.ttl).Result()
	if err != nil {
		s.logger.Warn("idempotency: set-value probe failed, assuming already claimed",
			logging.New().Component("idempotency").Operation("set_value").Err(err).Args()...)
		return false, nil
	}
	return ok, nil
}

// GetValue returns key's stored value, or ("", false, nil) if absent.
func (s *State) GetValue(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		s.logger.Warn("idempotency: get-value failed",
			logging.New().Component("idempotency").Operation("get_value").Err(err).Args()...)
		return "", false, errs.Wrap("idempotency: get_value", err)
	}
	return v, true, nil
}

// Release deletes key's flag, used to roll back a Claim whose guarded
// operation then failed (spec.md §9 open question: "charged" flags are
// rolled back on failure rather than left to expire).
func (s *State) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return errs.Wrap("idempotency: release", err)
	}
	return nil
}

// WithClaim runs fn only if key is not already claimed. If fn returns an
// error, the claim is released so a retry is possible; on success the
// claim is left in place for its TTL.
func (s *State) WithClaim(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	claimed, err := s.Claim(ctx, key)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		_ = s.Release(ctx, key)
		return true, err
	}
	return true, nil
}
