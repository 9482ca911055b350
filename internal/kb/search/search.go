// Package search implements spec.md §4.F: SearchService, the multi-dataset
// query fan-out with warm-up, on-disk fallback, and snippet assembly the
// coach agent queries through.
//
// Grounded on the multi-provider fan-out in
// services/trace/agent/providers (try each candidate, aggregate what
// succeeds, degrade gracefully) generalized from "LLM providers" to
// "candidate datasets".
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/dataset"
	"github.com/aicoach/kbcore/internal/kb/embed"
	"github.com/aicoach/kbcore/internal/kb/projection"
	"github.com/aicoach/kbcore/internal/logging"
	"github.com/aicoach/kbcore/internal/task/queue"
)

// semanticDedupThreshold is the cosine-similarity floor above which two
// snippets that survived the exact-text dedup are still considered
// duplicates of each other.
const semanticDedupThreshold = 0.97

// Snippet is one retrieval result, per spec.md §4.F.
type Snippet struct {
	Text    string
	Dataset string
	Kind    string // document | note | unknown
}

const (
	KindDocument = "document"
	KindNote     = "note"
	KindUnknown  = "unknown"
)

// Params bundles one Search call's arguments.
type Params struct {
	Query     string
	ProfileID string
	K         int // 0 means DefaultTopK
	Datasets  []string
	User      engine.UserContext
	RequestID string
}

// DefaultTopK is used when Params.K is unset.
const DefaultTopK = 8

const profileSyncTTL = 600 * time.Second

// Projector is the narrow ProjectionService surface SearchService needs.
type Projector interface {
	Probe(ctx context.Context, alias string, user engine.UserContext) (ready bool, reason string)
	EnsureProjected(ctx context.Context, alias string, user engine.UserContext, timeout time.Duration) projection.Status
}

// Registry is the narrow DatasetRegistry surface SearchService needs.
type Registry interface {
	EnsureExists(ctx context.Context, alias string, user engine.UserContext) error
	RowCount(ctx context.Context, alias string, user engine.UserContext) (int, error)
	ListEntries(ctx context.Context, alias string, user engine.UserContext) ([]engine.Row, error)
}

// Hashes is the narrow HashStore surface used to resolve a snippet's
// owning dataset when the engine didn't return one, per spec.md §4.F
// step 7 "Assemble snippets".
type Hashes interface {
	Metadata(ctx context.Context, alias, sha string) map[string]any
	Add(ctx context.Context, alias, sha string, metadata map[string]any) error
}

// Deduper is the narrow dedup-flag surface used for the background
// profile-sync and memify schedules (best-effort, at-most-once-per-window).
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// Queue submits best-effort background tasks (profile sync, memify).
type Queue interface {
	Submit(ctx context.Context, t queue.Task) error
}

// Embedder is the narrow embed.Client surface used for the optional
// semantic near-duplicate pass over assembled snippets. Unset by
// default: Search falls back to exact-text dedup alone, per
// SPEC_FULL.md's domain-stack table note that embedding-backed dedup
// is optional.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

const (
	TaskProfileSync = "kb.profile_sync"
	TaskMemify      = "kb.memify"
)

// Service implements SearchService.
type Service struct {
	searcher   engine.Searcher
	projector  Projector
	registry   Registry
	hashes     Hashes
	syncDedup  Deduper
	memifyDedup Deduper
	q          Queue

	globalDataset string
	memifyEnabled bool
	embedder      Embedder
	logger        *slog.Logger

	mu        sync.RWMutex
	projected map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithMemifyEnabled toggles scheduling the background memify task after a
// search, per spec.md §9 open question resolution (opt-in, not automatic).
func WithMemifyEnabled(enabled bool) Option {
	return func(s *Service) { s.memifyEnabled = enabled }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmbedder enables a semantic near-duplicate pass after the
// exact-text dedup: snippets whose embeddings are within
// semanticDedupThreshold of one already kept are dropped too.
func WithEmbedder(e Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// New returns a Service wired to its collaborators. globalDataset is the
// canonical alias of the shared global KB (COGNEE_GLOBAL_DATASET).
func New(searcher engine.Searcher, projector Projector, registry Registry, hashes Hashes, syncDedup, memifyDedup Deduper, q Queue, globalDataset string, opts ...Option) *Service {
	s := &Service{
		searcher:      searcher,
		projector:     projector,
		registry:      registry,
		hashes:        hashes,
		syncDedup:     syncDedup,
		memifyDedup:   memifyDedup,
		q:             q,
		globalDataset: globalDataset,
		logger:        slog.Default(),
		projected:     make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) markProjected(alias string) {
	s.mu.Lock()
	s.projected[alias] = true
	s.mu.Unlock()
}

func (s *Service) isProjected(alias string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projected[alias]
}

// Invalidate forgets alias's cached projected state, forcing the next
// Search to re-probe and re-project it rather than trusting a stale
// READY. Grounded on knowledge_base.py's refresh(), which discards the
// dataset from its own projected-set cache before re-cognifying.
func (s *Service) Invalidate(alias string) {
	alias = dataset.AliasFor(alias)
	s.mu.Lock()
	delete(s.projected, alias)
	s.mu.Unlock()
}

func defaultCandidates(globalDataset, profileID string) []string {
	return []string{
		dataset.AliasFor(fmt.Sprintf("kb_profile_%s", profileID)),
		dataset.AliasFor(fmt.Sprintf("kb_chat_%s", profileID)),
		dataset.AliasFor(globalDataset),
	}
}

func sessionIDFor(profileID string) string { return "sess-" + profileID }

// Search implements spec.md §4.F's full algorithm.
func (s *Service) Search(ctx context.Context, p Params) ([]Snippet, error) {
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return nil, nil
	}
	if p.K <= 0 {
		p.K = DefaultTopK
	}

	log := logging.New().Component("search").Operation("search").ProfileID(p.ProfileID)

	candidates := p.Datasets
	if len(candidates) == 0 {
		candidates = defaultCandidates(s.globalDataset, p.ProfileID)
	} else {
		for i, c := range candidates {
			candidates[i] = dataset.AliasFor(c)
		}
	}

	globalAlias := dataset.AliasFor(s.globalDataset)
	candidates = s.warmUpGlobal(ctx, candidates, globalAlias, p.User, log)

	for _, alias := range candidates {
		if err := s.registry.EnsureExists(ctx, alias, p.User); err != nil {
			s.logger.Debug("search: ensure_exists failed, continuing", log.Dataset(alias).Err(err).Args()...)
		}
	}

	s.scheduleProfileSync(ctx, p.ProfileID)

	sessionID := sessionIDFor(p.ProfileID)
	ready, hadPotentialRows := s.readyDatasets(ctx, candidates, p.User, log)

	var rows []engine.Row
	var err error
	if len(ready) == 0 {
		if !hadPotentialRows {
			return nil, nil
		}
		rows, err = s.fallbackEntries(ctx, candidates, p.User, p.K)
		if err != nil {
			return nil, err
		}
	} else {
		rows, err = s.searcher.Search(ctx, engine.SearchParams{
			Query:     query,
			Datasets:  ready,
			User:      p.User,
			QueryType: engine.QueryTypeGraphCompletionContextExtension,
			SessionID: sessionID,
			TopK:      p.K,
		})
		if err != nil {
			return nil, fmt.Errorf("search: engine search: %w", err)
		}
		if len(rows) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
			rows, err = s.searcher.Search(ctx, engine.SearchParams{
				Query:     query,
				Datasets:  ready,
				User:      p.User,
				QueryType: engine.QueryTypeGraphCompletionContextExtension,
				TopK:      p.K,
			})
			if err != nil {
				return nil, fmt.Errorf("search: engine search retry: %w", err)
			}
		}
	}

	snippets := s.assembleSnippets(ctx, rows, candidates, p.User)
	snippets = dedupeByText(snippets)
	if s.embedder != nil {
		snippets = s.dedupeBySemantic(ctx, snippets)
	}
	if len(snippets) > p.K {
		snippets = snippets[:p.K]
	}

	if s.memifyEnabled {
		s.scheduleMemify(ctx, p.ProfileID, ready)
	}
	return snippets, nil
}

// warmUpGlobal implements step 3: give the global dataset a short
// readiness probe and drop it from the candidate list if it isn't ready,
// per spec.md §4.F.
func (s *Service) warmUpGlobal(ctx context.Context, candidates []string, globalAlias string, user engine.UserContext, log logging.Fields) []string {
	hasGlobal := false
	for _, c := range candidates {
		if c == globalAlias {
			hasGlobal = true
			break
		}
	}
	if !hasGlobal || s.isProjected(globalAlias) {
		return candidates
	}

	status := s.projector.EnsureProjected(ctx, globalAlias, user, 300*time.Millisecond)
	if status == projection.StatusReady || status == projection.StatusReadyEmpty {
		s.markProjected(globalAlias)
		return candidates
	}

	s.logger.Info("search: global dataset not warmed up, dropping for this call",
		log.Dataset(globalAlias).Args()...)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != globalAlias {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) scheduleProfileSync(ctx context.Context, profileID string) {
	key := fmt.Sprintf("ai_coach:profile_sync:%s", profileID)
	claimed, err := s.syncDedup.Claim(ctx, key)
	if err != nil || !claimed {
		return
	}
	_ = s.q.Submit(ctx, queue.Task{Kind: TaskProfileSync, Payload: profileID})
}

func (s *Service) scheduleMemify(ctx context.Context, profileID string, datasets []string) {
	if len(datasets) == 0 {
		return
	}
	key := fmt.Sprintf("memify:profile:%s", profileID)
	claimed, err := s.memifyDedup.Claim(ctx, key)
	if err != nil || !claimed {
		return
	}
	_ = s.q.Submit(ctx, queue.Task{Kind: TaskMemify, Payload: datasets})
}

// readyDatasets implements step 7's per-dataset probe/ensure_projected
// loop. hadPotentialRows reports whether any candidate had a non-zero row
// count, used to decide between fallback and an empty result.
// readyDatasets checks every candidate's row count and projection
// readiness concurrently (each is an independent network round trip to
// the engine), then returns the ready subset in candidates' original
// order. Grounded on the parallel multi-provider fan-out in
// services/trace/agent/providers, generalized from "race N LLM
// providers" to "probe N candidate datasets" via golang.org/x/sync's
// errgroup.
func (s *Service) readyDatasets(ctx context.Context, candidates []string, user engine.UserContext, log logging.Fields) (ready []string, hadPotentialRows bool) {
	results := make([]bool, len(candidates))
	potential := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, alias := range candidates {
		i, alias := i, alias
		g.Go(func() error {
			count, err := s.registry.RowCount(gctx, alias, user)
			if err != nil || count == 0 {
				s.logger.Debug("search: skip_no_rows", log.Dataset(alias).Args()...)
				return nil
			}
			potential[i] = true

			if s.isProjected(alias) {
				results[i] = true
				return nil
			}

			status := s.projector.EnsureProjected(gctx, alias, user, 2*time.Second)
			if status == projection.StatusReady {
				s.markProjected(alias)
				results[i] = true
			}
			return nil
		})
	}
	// Every goroutine above swallows its own error into a per-candidate
	// false result, so Wait only ever surfaces ctx cancellation.
	_ = g.Wait()

	for i, alias := range candidates {
		if potential[i] {
			hadPotentialRows = true
		}
		if results[i] {
			ready = append(ready, alias)
		}
	}
	return ready, hadPotentialRows
}

// fallbackEntries implements step 7's "no ready datasets" path: read
// documents directly, skipping messages, capped at k.
func (s *Service) fallbackEntries(ctx context.Context, candidates []string, user engine.UserContext, k int) ([]engine.Row, error) {
	var out []engine.Row
	for _, alias := range candidates {
		rows, err := s.registry.ListEntries(ctx, alias, user)
		if err != nil {
			continue
		}
		for _, r := range rows {
			if kind, _ := r.Metadata["kind"].(string); kind == "message" {
				continue
			}
			if r.Metadata == nil {
				r.Metadata = map[string]any{}
			}
			r.Metadata["dataset"] = alias
			out = append(out, r)
			if len(out) >= k {
				return out, nil
			}
		}
	}
	return out, nil
}

// assembleSnippets implements step 7's final paragraph: resolve each
// row's owning dataset (from metadata, or by HashStore digest lookup
// across candidates), stamp and write through on a hit, and classify kind.
func (s *Service) assembleSnippets(ctx context.Context, rows []engine.Row, candidates []string, user engine.UserContext) []Snippet {
	snippets := make([]Snippet, 0, len(rows))
	for _, r := range rows {
		alias, _ := r.Metadata["dataset"].(string)
		sha, _ := r.Metadata["digest_sha"].(string)

		if alias == "" && sha != "" {
			for _, c := range candidates {
				if meta := s.hashes.Metadata(ctx, c, sha); meta != nil {
					alias = c
					if r.Metadata == nil {
						r.Metadata = map[string]any{}
					}
					for k, v := range meta {
						if _, exists := r.Metadata[k]; !exists {
							r.Metadata[k] = v
						}
					}
					_ = s.hashes.Add(ctx, c, sha, r.Metadata)
					break
				}
			}
		}

		snippets = append(snippets, Snippet{
			Text:    r.Text,
			Dataset: alias,
			Kind:    classifyKind(r.Metadata),
		})
	}
	return snippets
}

func classifyKind(meta map[string]any) string {
	kind, _ := meta["kind"].(string)
	switch kind {
	case "message":
		return KindNote
	case KindDocument, KindNote:
		return kind
	default:
		return KindUnknown
	}
}

func dedupeByText(snippets []Snippet) []Snippet {
	seen := make(map[string]bool, len(snippets))
	out := make([]Snippet, 0, len(snippets))
	for _, s := range snippets {
		key := strings.ToLower(strings.TrimSpace(s.Text))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// dedupeBySemantic drops snippets whose embedding is a near-duplicate of
// one already kept. Embedding failures are logged and the snippet is
// kept rather than dropped, since a failed embed call is not evidence
// of duplication.
func (s *Service) dedupeBySemantic(ctx context.Context, snippets []Snippet) []Snippet {
	kept := make([]Snippet, 0, len(snippets))
	keptVecs := make([][]float32, 0, len(snippets))

	for _, snip := range snippets {
		vec, err := s.embedder.EmbedQuery(ctx, snip.Text)
		if err != nil {
			s.logger.Debug("search: embed_query failed, keeping snippet", "error", err.Error())
			kept = append(kept, snip)
			keptVecs = append(keptVecs, nil)
			continue
		}

		duplicate := false
		for _, existing := range keptVecs {
			if embed.CosineSimilarity(vec, existing) >= semanticDedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, snip)
		keptVecs = append(keptVecs, vec)
	}
	return kept
}
