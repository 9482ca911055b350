// Package dataset implements spec.md §4.C: DatasetRegistry. It resolves
// dataset aliases to the engine's opaque identifiers, canonicalizes legacy
// alias spellings, and is resilient to the engine's one-time bootstrap
// requirement.
//
// Grounded on the RoleConfig / ProviderFactory pattern
// (services/trace/agent/providers/config.go, factory.go): small in-process
// maps populated lazily, explicit resolution order, descriptive errors.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/logging"
)

// legacyClientAlias matches the legacy "client_<N>" alias spelling.
var legacyClientAlias = regexp.MustCompile(`^client_(\d+)$`)

// AliasFor canonicalizes name, rewriting the legacy "client_<N>" spelling
// to "kb_profile_<N>". All other names pass through unchanged. AliasFor is
// idempotent: AliasFor(AliasFor(n)) == AliasFor(n) for every n, per
// spec.md §8.
func AliasFor(name string) string {
	if m := legacyClientAlias.FindStringSubmatch(name); m != nil {
		return "kb_profile_" + m[1]
	}
	return name
}

// entry is one alias<->identifier pair cached in-process.
type entry struct {
	alias string
	id    string
}

// Registry implements DatasetRegistry against an engine.Registrar /
// engine.Searcher pair (list_entries needs both resolution and reads).
//
// Thread Safety: safe for concurrent use; the alias<->id maps are guarded
// by mu. The external engine is the persistent source of truth — these
// maps are a lazily-populated cache, never authoritative on their own.
type Registry struct {
	mu          sync.RWMutex
	aliasToID   map[string]string
	idToAlias   map[string]string
	setupCalled bool

	registrar engine.Registrar
	searcher  engine.Searcher
	hashCount func(ctx context.Context, alias string) (int, bool) // HashStore.Count, optional

	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRowCountSource wires a HashStore-backed row-count function, used by
// RowCount to prefer HashStore over an engine metadata fetch per spec.md
// §4.C. When unset, RowCount always falls back to the engine.
func WithRowCountSource(f func(ctx context.Context, alias string) (int, bool)) Option {
	return func(r *Registry) { r.hashCount = f }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Registry backed by registrar/searcher.
func New(registrar engine.Registrar, searcher engine.Searcher, opts ...Option) *Registry {
	r := &Registry{
		aliasToID: make(map[string]string),
		idToAlias: make(map[string]string),
		registrar: registrar,
		searcher:  searcher,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) remember(alias, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliasToID[alias] = id
	r.idToAlias[id] = alias
}

func (r *Registry) cachedID(alias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliasToID[alias]
	return id, ok
}

// EnsureExists idempotently creates alias if absent. On the first call
// that hits a "database not created" style error it invokes the engine's
// Setup() once for the process and retries, matching spec.md §4.C /
// §7's "setup/bootstrap" policy.
func (r *Registry) EnsureExists(ctx context.Context, alias string, user engine.UserContext) error {
	alias = AliasFor(alias)
	if _, ok := r.cachedID(alias); ok {
		return nil
	}

	id, err := r.registrar.GetAuthorizedDatasetByName(ctx, alias, user, engine.ModeWrite)
	if err == nil {
		r.remember(alias, id)
		return nil
	}

	if !isSetupCondition(err) {
		// Absent, not broken: create it.
		id, cerr := r.registrar.CreateAuthorizedDataset(ctx, alias, user)
		if cerr != nil {
			return errs.Wrap(fmt.Sprintf("dataset: ensure exists %s", alias), cerr)
		}
		r.remember(alias, id)
		return nil
	}

	if err := r.runSetupOnce(ctx); err != nil {
		r.logger.Warn("dataset: setup failed, continuing degraded",
			logging.New().Component("dataset").Operation("ensure_exists").Dataset(alias).Err(err).Args()...)
		return nil
	}

	id, err = r.registrar.CreateAuthorizedDataset(ctx, alias, user)
	if err != nil {
		return errs.Wrap(fmt.Sprintf("dataset: ensure exists after setup %s", alias), err)
	}
	r.remember(alias, id)
	return nil
}

func (r *Registry) runSetupOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.setupCalled {
		r.mu.Unlock()
		return nil
	}
	r.setupCalled = true
	r.mu.Unlock()

	return r.registrar.Setup(ctx)
}

// isSetupCondition reports whether err looks like the engine's
// "database/table not created yet" bootstrap condition. A real adapter
// would classify this from the engine's own error types; here we treat
// ErrNotFound's absence as the only non-bootstrap case and anything else
// engine-side as a candidate for one setup retry.
func isSetupCondition(err error) bool {
	return err != nil && err != errs.ErrNotFound
}

// GetDatasetID returns the cached identifier for alias, resolving via the
// engine if not yet cached. Returns (nil-equivalent) errs.ErrNotFound if
// the dataset truly does not exist.
func (r *Registry) GetDatasetID(ctx context.Context, alias string, user engine.UserContext) (string, error) {
	alias = AliasFor(alias)
	if id, ok := r.cachedID(alias); ok {
		return id, nil
	}

	id, err := r.registrar.GetAuthorizedDatasetByName(ctx, alias, user, engine.ModeRead)
	if err != nil {
		return "", err
	}
	r.remember(alias, id)
	return id, nil
}

// ListEntries fetches the (text, metadata) rows for alias with a single
// engine ListData call; no paging is done here. spec.md §4.C: "introspects engine function signature the first
// time to decide whether to pass user context positionally or by
// keyword" is a Python-specific concern collapsed here into simply always
// passing UserContext by value — Go has no equivalent ambiguity.
func (r *Registry) ListEntries(ctx context.Context, alias string, user engine.UserContext) ([]engine.Row, error) {
	id, err := r.GetDatasetID(ctx, alias, user)
	if err != nil {
		return nil, fmt.Errorf("dataset: list entries %s: %w", alias, errs.ErrProbe)
	}
	rows, err := r.searcher.ListData(ctx, id, user)
	if err != nil {
		return nil, fmt.Errorf("dataset: list entries %s: %w", alias, errs.ErrProbe)
	}
	return rows, nil
}

// RowCount returns the number of rows known for alias, preferring the
// HashStore-backed count source when wired (cheaper, no engine round
// trip) and falling back to an engine metadata fetch.
func (r *Registry) RowCount(ctx context.Context, alias string, user engine.UserContext) (int, error) {
	alias = AliasFor(alias)
	if r.hashCount != nil {
		if n, ok := r.hashCount(ctx, alias); ok {
			return n, nil
		}
	}
	rows, err := r.ListEntries(ctx, alias, user)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
