// Package projection implements spec.md §4.E: ProjectionService, the
// per-dataset indexing state machine, its probe, and its backoff wait.
//
// Grounded on the RateLimiter pattern (services/trace/agent/providers/
// egress/rate_limiter.go) for the shape of a small mutex-guarded
// in-process state tracker, and on its WarmupGuardMiddleware
// (cmd/trace/main.go) for "a gate that blocks callers until a background
// condition is satisfied".
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/kb/dataset"
	"github.com/aicoach/kbcore/internal/kb/storage"
	"github.com/aicoach/kbcore/internal/lock"
)

// Status is one of the projection states of spec.md §3.
type Status string

const (
	StatusUnknown                Status = "unknown"
	StatusPending                Status = "pending"
	StatusReady                  Status = "ready"
	StatusReadyEmpty             Status = "ready_empty"
	StatusTimeout                Status = "timeout"
	StatusFatalError             Status = "fatal_error"
	StatusUserContextUnavailable Status = "user_context_unavailable"
)

// backoffSequence is the exact wait schedule spec.md §4.E prescribes. It
// is a fixed sequence, not an exponential-with-jitter policy, so it is
// implemented directly rather than through cenkalti/backoff (which is
// used elsewhere in kbcore for open-ended exponential retries — see
// internal/kb/gdrive, internal/task/credit — a genuinely different
// shape of backoff from this one).
var backoffSequence = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	8 * time.Second,
}

// Registry is the narrow dataset-registry surface ProjectionService needs.
type Registry interface {
	EnsureExists(ctx context.Context, alias string, user engine.UserContext) error
	GetDatasetID(ctx context.Context, alias string, user engine.UserContext) (string, error)
	ListEntries(ctx context.Context, alias string, user engine.UserContext) ([]engine.Row, error)
}

// Healer is the narrow StorageService surface ProjectionService needs.
type Healer interface {
	Heal(ctx context.Context, alias string, entries []storage.Entry, reason string) (missing, healed int)
}

// Service implements ProjectionService.
//
// Thread Safety: safe for concurrent use. Cognify is serialized per alias
// via locks (spec.md §4.E "projection is per-alias serialized via
// LockCache"); Probe is not serialized and may run concurrently with a
// Cognify for the same alias.
type Service struct {
	registry Registry
	healer   Healer
	indexer  engine.Indexer
	locks    *lock.Cache

	aggressiveRebuild bool
	logger            *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAggressiveRebuild enables the aggressive_rebuild feature flag
// EnsureProjected consults before calling Healer on repeated failure.
func WithAggressiveRebuild(enabled bool) Option {
	return func(s *Service) { s.aggressiveRebuild = enabled }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Service wired to registry, healer, indexer, and locks.
func New(registry Registry, healer Healer, indexer engine.Indexer, locks *lock.Cache, opts ...Option) *Service {
	s := &Service{registry: registry, healer: healer, indexer: indexer, locks: locks, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Probe implements spec.md §4.E `probe`: ensures the dataset, resolves its
// ID, fetches rows, and counts rows with non-empty text.
func (s *Service) Probe(ctx context.Context, alias string, user engine.UserContext) (ready bool, reason string) {
	alias = dataset.AliasFor(alias)
	if err := s.registry.EnsureExists(ctx, alias, user); err != nil {
		return false, "fatal_error"
	}

	if _, err := s.registry.GetDatasetID(ctx, alias, user); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, "not_found"
		}
		return false, "fatal_error"
	}

	rows, err := s.registry.ListEntries(ctx, alias, user)
	if err != nil {
		return false, "fatal_error"
	}
	if len(rows) == 0 {
		return false, "no_rows_in_dataset"
	}

	nonEmpty := 0
	for _, r := range rows {
		if r.Text != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return false, "pending"
	}
	return true, "ready"
}

// Wait polls Probe with the fixed backoff sequence until READY,
// READY_EMPTY, a terminal reason, or timeout elapses.
func (s *Service) Wait(ctx context.Context, alias string, user engine.UserContext, timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		ready, reason := s.Probe(ctx, alias, user)
		switch {
		case ready:
			return StatusReady
		case reason == "no_rows_in_dataset":
			return StatusReadyEmpty
		case reason == "not_found":
			return StatusUnknown
		case reason == "fatal_error":
			return StatusFatalError
		}

		if time.Now().After(deadline) {
			return StatusTimeout
		}

		delay := backoffSequence[min(attempt, len(backoffSequence)-1)]
		if remaining := time.Until(deadline); remaining < delay {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return StatusTimeout
		case <-time.After(delay):
		}
		attempt++
	}
}

// EnsureProjected drives up to 3 attempts of Wait, healing storage after
// each failed attempt (the last one included), per spec.md §4.E.
func (s *Service) EnsureProjected(ctx context.Context, alias string, user engine.UserContext, timeout time.Duration) Status {
	alias = dataset.AliasFor(alias)
	const maxAttempts = 3

	var status Status
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status = s.Wait(ctx, alias, user, timeout)
		if status == StatusReady || status == StatusReadyEmpty {
			return status
		}
		if status == StatusFatalError && !s.aggressiveRebuild {
			return status
		}

		entries := s.entriesToHeal(ctx, alias, user)
		s.healer.Heal(ctx, alias, entries, fmt.Sprintf("ensure_projected attempt %d", attempt+1))
	}
	return status
}

func (s *Service) entriesToHeal(ctx context.Context, alias string, user engine.UserContext) []storage.Entry {
	rows, err := s.registry.ListEntries(ctx, alias, user)
	if err != nil {
		return nil
	}
	entries := make([]storage.Entry, 0, len(rows))
	for _, r := range rows {
		sha, _ := r.Metadata["digest_sha"].(string)
		if sha == "" {
			sha = storage.ComputeDigest(r.Text)
		}
		meta := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			meta[k] = v
		}
		meta["text"] = r.Text
		entries = append(entries, storage.Entry{SHA: sha, Metadata: meta})
	}
	return entries
}

// Project invokes the engine's cognify for alias. On a "file not found"
// style failure during cognify it heals storage and retries once; if
// still failing and allowRebuild is set, it asks the healer for a fuller
// rebuild by healing the dataset's full current row set, per spec.md
// §4.E `project`.
//
// Project serializes per-alias via the wired lock.Cache — concurrent
// Project calls for the same alias block on each other; concurrent Probe
// calls are unaffected.
func (s *Service) Project(ctx context.Context, alias string, user engine.UserContext, allowRebuild bool) error {
	alias = dataset.AliasFor(alias)
	l := s.locks.Get(alias)
	l.Lock()
	defer l.Unlock()

	err := s.indexer.Cognify(ctx, []string{alias}, user)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("projection: cognify %s: %w", alias, err)
	}

	entries := s.entriesToHeal(ctx, alias, user)
	s.healer.Heal(ctx, alias, entries, "cognify_file_not_found")

	err = s.indexer.Cognify(ctx, []string{alias}, user)
	if err == nil {
		return nil
	}
	if !allowRebuild {
		return fmt.Errorf("projection: cognify %s after heal: %w", alias, err)
	}

	// allowRebuild: re-heal against the full current row set one more
	// time — this is the closest Go-native equivalent of "invoke KB full
	// rebuild" without reaching back into a circular KB-facade dependency
	// (spec.md §9 "avoid back-pointers").
	entries = s.entriesToHeal(ctx, alias, user)
	s.healer.Heal(ctx, alias, entries, "allow_rebuild")
	if err := s.indexer.Cognify(ctx, []string{alias}, user); err != nil {
		return fmt.Errorf("projection: cognify %s after rebuild: %w", alias, err)
	}
	return nil
}
