// Package storage implements spec.md §4.D: StorageService, the component
// that keeps HashStore, ContentStore, and the engine's dataset agreeing
// with one another, and heals any of the three after partial loss.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/contentstore"
	"github.com/aicoach/kbcore/internal/kb/hashstore"
	"github.com/aicoach/kbcore/internal/logging"
)

// KindDocument is the default document kind stamped by AugmentMetadata
// when the caller did not specify one, per spec.md §4.D.
const KindDocument = "document"

// Entry is one (digest, metadata) pair as stored in HashStore, used by
// Heal / RebuildFromDisk / ReingestFromHashStore.
type Entry struct {
	SHA      string
	Metadata map[string]any
}

// KB is the narrow facade StorageService needs into the engine for
// reingestion: only update_dataset, per spec.md §4.D.
type KB interface {
	UpdateDataset(ctx context.Context, text, alias string, user engine.UserContext, nodeSet []string, metadata map[string]any) error
}

// Service implements StorageService.
//
// Thread Safety: safe for concurrent use; all mutable state lives in the
// wired HashStore/ContentStore/engine.
type Service struct {
	hashes  *hashstore.Store
	content *contentstore.Store
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLegacyMD5Mirror enables writing legacy MD5-named content mirrors on
// every ContentStore.Ensure that creates new content, per spec.md §9 open
// question: retained only behind an explicit opt-in, never deleted by
// RebuildFromDisk. Configures the underlying contentstore.Store directly,
// since that is the component that owns the write path
// (contentstore.Store.Ensure).
func WithLegacyMD5Mirror(enabled bool) Option {
	return func(s *Service) { s.content.SetLegacyMD5Mirror(enabled) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Service wired to hashes and content.
func New(hashes *hashstore.Store, content *contentstore.Store, opts ...Option) *Service {
	s := &Service{hashes: hashes, content: content, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ComputeDigest returns the SHA-256 hex digest of text's UTF-8 bytes.
func ComputeDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// AugmentMetadata stamps dataset, digest_sha, and a default kind onto a
// copy of extra, per spec.md §4.D. extra may be nil.
func AugmentMetadata(extra map[string]any, alias, sha string) map[string]any {
	meta := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		meta[k] = v
	}
	meta["dataset"] = alias
	meta["digest_sha"] = sha
	if _, ok := meta["kind"]; !ok {
		meta["kind"] = KindDocument
	}
	return meta
}

// Heal ensures each entry's blob exists in ContentStore and is recorded
// in HashStore for alias. Returns how many entries had no blob in
// ContentStore (missing) and how many repairs were made (healed: one per
// blob rewritten and one per HashStore record added, so one entry can
// count twice).
func (s *Service) Heal(ctx context.Context, alias string, entries []Entry, reason string) (missing, healed int) {
	log := logging.New().Component("storage").Operation("heal").Dataset(alias)
	for _, e := range entries {
		hadBlob := s.content.Read(ctx, e.SHA) != nil
		if !hadBlob {
			missing++
		}

		text := e.Metadata["text"]
		textStr, _ := text.(string)
		if !hadBlob && textStr != "" {
			if _, created := s.content.Ensure(e.SHA, textStr); created {
				healed++
			}
		}

		if !s.hashes.Contains(ctx, alias, e.SHA) {
			if err := s.hashes.Add(ctx, alias, e.SHA, e.Metadata); err == nil {
				healed++
			} else {
				s.logger.Warn("storage: heal hashstore add failed",
					log.Digest(e.SHA).Err(err).Args()...)
			}
		}
	}
	s.logger.Info("storage: heal complete",
		log.Count("missing", missing).Count("healed", healed).String("reason", reason).Args()...)
	return missing, healed
}

// RebuildResult is the outcome of RebuildFromDisk / ReingestFromHashStore.
type RebuildResult struct {
	Created int
	Linked  int
	Skipped int
}

// RebuildFromDisk scans ContentStore's root for text_<sha>.txt files,
// validates filename-SHA matches content-SHA, and re-registers valid
// blobs into HashStore for alias. Files whose content digest does not
// match their name are skipped with a warning; names that are not 64
// characters long (such as legacy MD5 names) are skipped with a debug
// log, per spec.md §4.D.
func (s *Service) RebuildFromDisk(ctx context.Context, alias string) (RebuildResult, error) {
	var result RebuildResult
	log := logging.New().Component("storage").Operation("rebuild_from_disk").Dataset(alias)

	err := s.content.ScanBlobs(func(name, path string) error {
		if len(name) != 64 { // SHA-256 hex length; legacy MD5 (32) is ignored here
			s.logger.Debug("storage: rebuild skipping non-sha256 filename",
				log.Args()...)
			result.Skipped++
			return nil
		}

		text := s.content.Read(ctx, name)
		if text == nil {
			result.Skipped++
			return nil
		}
		if ComputeDigest(*text) != name {
			s.logger.Warn("storage: rebuild digest mismatch, skipping",
				log.Digest(name).Args()...)
			result.Skipped++
			return nil
		}

		if !s.hashes.Contains(ctx, alias, name) {
			if err := s.hashes.Add(ctx, alias, name, AugmentMetadata(nil, alias, name)); err != nil {
				return err
			}
			result.Created++
		} else {
			result.Linked++
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("storage: rebuild from disk %s: %w", alias, err)
	}
	return result, nil
}

// ReingestFromHashStore recovers text for each of digests (from the
// ContentStore blob, falling back to a legacy MD5 mirror) and calls
// kb.UpdateDataset to restore the document into the engine. Entries whose
// recorded kind is "message" are skipped (messages are not durable KB
// documents, spec.md §4.D); entries whose text cannot be recovered are
// removed from HashStore.
func (s *Service) ReingestFromHashStore(ctx context.Context, alias string, user engine.UserContext, digests []string, kb KB) (RebuildResult, error) {
	var result RebuildResult

	for _, sha := range digests {
		meta := s.hashes.Metadata(ctx, alias, sha)
		if kind, _ := meta["kind"].(string); kind == "message" {
			result.Skipped++
			continue
		}

		text := s.content.Read(ctx, sha)
		if text == nil {
			if md5, ok := meta["md5"].(string); ok && md5 != "" {
				text = s.content.ReadLegacyMD5(md5)
			}
		}
		if text == nil {
			s.logger.Warn("storage: reingest could not recover text, dropping entry",
				logging.New().Component("storage").Operation("reingest").Dataset(alias).Digest(sha).Args()...)
			if rmErr := s.hashes.Remove(ctx, alias, sha); rmErr != nil {
				s.logger.Warn("storage: reingest stale-entry removal failed",
					logging.New().Component("storage").Operation("reingest").Dataset(alias).Digest(sha).Err(rmErr).Args()...)
			}
			result.Skipped++
			continue
		}

		nodeSet := []string{"reingest:" + sha}
		if err := kb.UpdateDataset(ctx, *text, alias, user, nodeSet, meta); err != nil {
			return result, fmt.Errorf("storage: reingest %s/%s: %w", alias, sha, err)
		}
		result.Linked++
	}
	return result, nil
}

// SanitizeHashStore is a one-time migration pass: any HashStore key that
// is itself 32-hex (an MD5-shaped digest rather than SHA-256) is either
// converted to its SHA-256 equivalent (when the blob is recoverable) or
// removed. spec.md §9 marks this as partially implemented upstream and
// gates retention on rollback needs; this implementation always attempts
// conversion first and only removes entries it cannot convert. Removal of
// the old 32-hex key is attempted once its replacement is recorded (or
// once it's confirmed unconvertible); a failed removal is logged and the
// old key stays.
func (s *Service) SanitizeHashStore(ctx context.Context, alias string) (converted, removed int, err error) {
	digests, lerr := s.hashes.List(ctx, alias)
	if lerr != nil {
		return 0, 0, fmt.Errorf("storage: sanitize %s: %w", alias, lerr)
	}
	log := logging.New().Component("storage").Operation("sanitize").Dataset(alias)

	for _, d := range digests {
		if len(d) != 32 || !isHex(d) {
			continue // already SHA-256-shaped, nothing to do
		}

		text := s.content.ReadLegacyMD5(d)
		if text == nil {
			if rmErr := s.hashes.Remove(ctx, alias, d); rmErr != nil {
				s.logger.Warn("storage: sanitize stale-entry removal failed",
					log.Digest(d).Err(rmErr).Args()...)
				continue
			}
			removed++
			continue
		}

		sha := ComputeDigest(*text)
		if addErr := s.hashes.Add(ctx, alias, sha, AugmentMetadata(nil, alias, sha)); addErr != nil {
			s.logger.Warn("storage: sanitize conversion failed",
				log.Digest(d).Err(addErr).Args()...)
			continue
		}
		if rmErr := s.hashes.Remove(ctx, alias, d); rmErr != nil {
			s.logger.Warn("storage: sanitize old-key removal failed",
				log.Digest(d).Err(rmErr).Args()...)
		}
		converted++
	}
	return converted, removed, nil
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F'))
	}) == -1
}
