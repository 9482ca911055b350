// Package app wires DatasetRegistry, ProjectionService, SearchService,
// HashStore/StorageService, and the optional GDriveLoader into the
// profile- and global-dataset lifecycle operations spec.md §6.2 exposes
// over HTTP.
//
// Grounded on original_source/ai_coach/agent/knowledge/knowledge_base.py's
// KnowledgeBase class: refresh() and the Celery maintenance tasks in
// core/tasks/ai_coach/maintenance.py (sync_profile_knowledge,
// cleanup_profile_knowledge, prune_knowledge_base), collapsed from
// "Celery task that makes an authenticated HTTP call to a separate
// service" into direct in-process method calls, since kbcored is itself
// that service rather than a caller of it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/dataset"
	"github.com/aicoach/kbcore/internal/logging"
)

// Registry is the narrow DatasetRegistry surface KnowledgeBase needs.
type Registry interface {
	EnsureExists(ctx context.Context, alias string, user engine.UserContext) error
}

// Projector is the narrow ProjectionService surface KnowledgeBase needs
// to force a dataset's index to be (re)built.
type Projector interface {
	Project(ctx context.Context, alias string, user engine.UserContext, allowRebuild bool) error
}

// SearchInvalidator is the narrow SearchService surface KnowledgeBase
// needs to drop a dataset's cached READY state after a refresh or sync.
type SearchInvalidator interface {
	Invalidate(alias string)
}

// Hashes is the narrow HashStore surface KnowledgeBase needs for profile
// cleanup and the prune sweep.
type Hashes interface {
	Clear(ctx context.Context, alias string) error
	ListAllDatasets(ctx context.Context) ([]string, error)
}

// Sanitizer is the narrow StorageService surface Prune drives.
type Sanitizer interface {
	SanitizeHashStore(ctx context.Context, alias string) (converted, removed int, err error)
}

// Loader refreshes externally-sourced content (GDrive) into the global
// dataset. Nil-able: kbcore runs fine with no external loader configured.
type Loader interface {
	Load(ctx context.Context, forceIngest bool) error
}

// KnowledgeBase implements the refresh/sync/cleanup/prune operations
// httpapi exposes.
//
// Thread Safety: safe for concurrent use; all mutable state lives in the
// wired collaborators.
type KnowledgeBase struct {
	registry  Registry
	projector Projector
	search    SearchInvalidator
	hashes    Hashes
	sanitizer Sanitizer
	loader    Loader

	globalDataset string
	user          engine.UserContext
	logger        *slog.Logger
}

// Option configures a KnowledgeBase.
type Option func(*KnowledgeBase)

// WithLoader wires a GDriveLoader (or any other external content Loader)
// into Refresh. Without it, Refresh only re-cognifies the global dataset.
func WithLoader(l Loader) Option {
	return func(k *KnowledgeBase) { k.loader = l }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *KnowledgeBase) {
		if l != nil {
			k.logger = l
		}
	}
}

// New returns a KnowledgeBase wired to its collaborators. globalDataset is
// the canonical alias of the shared global KB (COGNEE_GLOBAL_DATASET);
// user is the service-level UserContext kbcore acts as when it is not
// impersonating a specific profile's request.
func New(registry Registry, projector Projector, search SearchInvalidator, hashes Hashes, sanitizer Sanitizer, globalDataset string, user engine.UserContext, opts ...Option) *KnowledgeBase {
	k := &KnowledgeBase{
		registry:      registry,
		projector:     projector,
		search:        search,
		hashes:        hashes,
		sanitizer:     sanitizer,
		globalDataset: dataset.AliasFor(globalDataset),
		user:          user,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// profileAlias returns the canonical per-profile dataset alias, per
// spec.md's Dataset glossary entry (kb_profile_<N>).
func profileAlias(profileID string) string {
	return dataset.AliasFor("kb_profile_" + profileID)
}

// chatAlias returns the canonical per-profile chat dataset alias
// (kb_chat_<N>); unlike kb_profile_<N> it has no legacy spelling to
// canonicalize.
func chatAlias(profileID string) string {
	return "kb_chat_" + profileID
}

// Refresh implements spec.md §6.2 `POST /knowledge/refresh/?force=<bool>`:
// re-pulls externally-sourced content (if a Loader is wired), invalidates
// the global dataset's cached projection state, and re-cognifies it.
// Grounded on KnowledgeBase.refresh(): ensure the dataset exists, discard
// it from the projected-set cache, run the loader, then cognify.
func (k *KnowledgeBase) Refresh(ctx context.Context, force bool) error {
	log := logging.New().Component("app").Operation("refresh").Dataset(k.globalDataset)

	if err := k.registry.EnsureExists(ctx, k.globalDataset, k.user); err != nil {
		k.logger.Warn("app: refresh ensure_exists failed, continuing", log.Err(err).Args()...)
	}
	k.search.Invalidate(k.globalDataset)

	if k.loader != nil {
		if err := k.loader.Load(ctx, force); err != nil {
			k.logger.Warn("app: refresh gdrive load failed, continuing", log.Err(err).Args()...)
		}
	}

	if err := k.projector.Project(ctx, k.globalDataset, k.user, false); err != nil {
		return fmt.Errorf("app: refresh: %w", err)
	}
	k.logger.Info("app: refresh done", log.Args()...)
	return nil
}

// SyncProfile implements spec.md §6.2
// `POST /internal/knowledge/profiles/<id>/sync/`: ensures the profile's
// dataset exists and is re-cognified, mirroring
// core/tasks/ai_coach/maintenance.py's sync_profile_knowledge.
func (k *KnowledgeBase) SyncProfile(ctx context.Context, profileID, reason string) error {
	alias := profileAlias(profileID)
	log := logging.New().Component("app").Operation("sync_profile").Dataset(alias).String("reason", reason)

	if err := k.registry.EnsureExists(ctx, alias, k.user); err != nil {
		return fmt.Errorf("app: sync_profile %s: %w", alias, err)
	}
	k.search.Invalidate(alias)
	if err := k.projector.Project(ctx, alias, k.user, false); err != nil {
		return fmt.Errorf("app: sync_profile %s: %w", alias, err)
	}
	k.logger.Info("app: sync_profile done", log.Args()...)
	return nil
}

// CleanupProfile implements spec.md §6.2
// `POST /internal/knowledge/profiles/<id>/cleanup/`: purges kbcore's own
// HashStore bookkeeping for the profile's datasets, mirroring
// cleanup_profile_knowledge's "remove Cognee datasets linked to the
// specified profile". Full engine-side dataset deletion is deliberately
// out of scope: spec.md §6.3's abstract engine surface names add /
// cognify / search / list_data / get-or-create but no delete_dataset
// operation, so there is nothing to call through Indexer/Registrar for
// it — the engine's own dataset rows are left for the engine's own
// retention policy, and kbcore's dedup/row-count view (HashStore) is the
// part of the system spec.md actually assigns it authority over.
func (k *KnowledgeBase) CleanupProfile(ctx context.Context, profileID, reason string) error {
	log := logging.New().Component("app").Operation("cleanup_profile").ProfileID(profileID).String("reason", reason)

	var firstErr error
	for _, alias := range []string{profileAlias(profileID), chatAlias(profileID)} {
		if err := k.hashes.Clear(ctx, alias); err != nil {
			k.logger.Warn("app: cleanup_profile hashstore clear failed", log.Dataset(alias).Err(err).Args()...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		k.search.Invalidate(alias)
	}
	if firstErr != nil {
		return fmt.Errorf("app: cleanup_profile %s: %w", profileID, firstErr)
	}
	k.logger.Info("app: cleanup_profile done", log.Args()...)
	return nil
}

// Prune implements spec.md §6.2 `POST /internal/knowledge/prune/`. The
// original_source prune() this is distilled from is an unimplemented stub
// ("TODO: Implement actual pruning logic here, delegating to relevant
// services"); in its place, Prune sweeps every dataset alias HashStore
// currently tracks through StorageService.SanitizeHashStore — the
// codebase's existing cross-dataset storage maintenance primitive —
// converting or dropping legacy MD5-shaped digest entries.
func (k *KnowledgeBase) Prune(ctx context.Context) (converted, removed int, err error) {
	aliases, err := k.hashes.ListAllDatasets(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("app: prune: list datasets: %w", err)
	}

	log := logging.New().Component("app").Operation("prune")
	for _, alias := range aliases {
		c, r, serr := k.sanitizer.SanitizeHashStore(ctx, alias)
		if serr != nil {
			k.logger.Warn("app: prune sanitize failed", log.Dataset(alias).Err(serr).Args()...)
			continue
		}
		converted += c
		removed += r
	}
	k.logger.Info("app: prune done", log.Count("converted", converted).Count("removed", removed).Args()...)
	return converted, removed, nil
}
