// Package contentstore implements spec.md §4.B: on-disk content-addressed
// text blobs keyed by SHA-256, written once and read many times. Write
// protocol (tmp file, fsync, atomic rename, skip-if-exists) is the
// production-grade equivalent of the BadgerDB write path in
// services/trace/agent/routing/router_cache.go — same "cheap to check,
// expensive to recompute, must survive restarts" shape, different medium.
//
// The in-memory cache of recently read blobs is backed by BadgerDB,
// directly adapted from BadgerRouterCacheStore: same TTL-via-native-GC
// design, same gob-free (here: raw bytes) value encoding, repurposed from
// caching tool embeddings to caching blob reads.
package contentstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/logging"
)

// readCacheDefaultTTL bounds how long a recently-read blob stays in the
// Badger-backed cache before its memory/disk footprint is reclaimed.
const readCacheDefaultTTL = 1 * time.Hour

const readCacheKeyPrefix = "contentstore/blob/v1/"

// Store implements the ContentStore contract of spec.md §4.B.
//
// Thread Safety: safe for concurrent use. File writes are atomic
// (write-tmp, fsync, rename); reads never block on a concurrent write
// because the rename is the sole publish point.
type Store struct {
	root   string
	cache  *badger.DB // may be nil: cache is optional, not a correctness dependency
	ttl    time.Duration
	logger *slog.Logger

	// legacyMirror controls whether Ensure also writes a legacy MD5-named
	// mirror file alongside the canonical SHA-256 blob, per spec.md §9
	// open question: retained only behind an explicit opt-in, never
	// deleted by StorageService.RebuildFromDisk.
	legacyMirror bool
}

// Option configures a Store.
type Option func(*Store)

// WithReadCache attaches a BadgerDB instance as the recently-read blob
// cache. db must already be open; Store never closes it.
func WithReadCache(db *badger.DB, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = db
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

// WithLegacyMD5Mirror enables writing a legacy MD5-named mirror file
// alongside the canonical SHA-256 blob on every Ensure that creates new
// content.
func WithLegacyMD5Mirror(enabled bool) Option {
	return func(s *Store) { s.legacyMirror = enabled }
}

// SetLegacyMD5Mirror toggles the legacy-mirror write path after
// construction, used by storage.Service.WithLegacyMD5Mirror so the flag
// can be configured from the StorageService layer that owns the Store.
func (s *Store) SetLegacyMD5Mirror(enabled bool) { s.legacyMirror = enabled }

// New returns a Store rooted at dir. dir must exist and be writable; New
// does not create it, following a "caller owns DB lifecycle"
// convention for externally-provided resources.
func New(dir string, opts ...Option) *Store {
	s := &Store{root: dir, ttl: readCacheDefaultTTL, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the configured storage root, used by callers that need to
// scan the directory directly (StorageService.RebuildFromDisk).
func (s *Store) Root() string { return s.root }

// blobPath returns the canonical path for sha's content blob.
func (s *Store) blobPath(sha string) string {
	return filepath.Join(s.root, "text_"+sha+".txt")
}

// legacyMD5Path returns the path a legacy MD5-named mirror for md5 lives
// at, whether or not the file exists. md5 is precomputed by the caller
// (writeLegacyMirror, or StorageService for ReadLegacyMD5).
func (s *Store) legacyMD5Path(md5 string) string {
	return filepath.Join(s.root, "text_"+md5+".txt")
}

// Ensure writes text to sha's blob if absent. Returns the path and whether
// this call created it. On I/O failure, returns ("", false) and logs —
// spec.md §4.B specifies "fails silently" for ContentStore.Ensure, since
// the caller (StorageService) has its own heal/retry policy.
func (s *Store) Ensure(sha, text string) (path string, created bool) {
	dst := s.blobPath(sha)
	if _, err := os.Stat(dst); err == nil {
		return dst, false
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("contentstore: ensure stat failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}

	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.logger.Warn("contentstore: ensure create tmp failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}
	defer os.Remove(tmp) // no-op once renamed

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		s.logger.Warn("contentstore: ensure write failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.logger.Warn("contentstore: ensure fsync failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}
	if err := f.Close(); err != nil {
		s.logger.Warn("contentstore: ensure close failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}

	if err := os.Rename(tmp, dst); err != nil {
		// Another writer may have won the race; treat an existing target
		// as success rather than an error.
		if _, statErr := os.Stat(dst); statErr == nil {
			return dst, false
		}
		s.logger.Warn("contentstore: ensure rename failed",
			logging.New().Component("contentstore").Operation("ensure").Digest(sha).Err(err).Args()...)
		return "", false
	}

	if s.legacyMirror {
		s.writeLegacyMirror(text)
	}
	return dst, true
}

// writeLegacyMirror writes text under its legacy MD5-named path if that
// mirror does not already exist. Best-effort: a failure here does not
// fail the surrounding Ensure call, since the canonical SHA-256 blob it
// guards is already durable.
func (s *Store) writeLegacyMirror(text string) {
	sum := md5.Sum([]byte(text))
	md5hex := hex.EncodeToString(sum[:])
	dst := s.legacyMD5Path(md5hex)
	if _, err := os.Stat(dst); err == nil {
		return
	}
	if err := os.WriteFile(dst, []byte(text), 0o644); err != nil {
		s.logger.Warn("contentstore: legacy mirror write failed",
			logging.New().Component("contentstore").Operation("ensure_legacy_mirror").Err(err).Args()...)
	}
}

// Read returns sha's text, checking the read cache first when configured.
// Returns nil (not an error) if the blob is absent — callers trigger heal.
func (s *Store) Read(ctx context.Context, sha string) *string {
	if s.cache != nil {
		if text, ok := s.readCache(sha); ok {
			return &text
		}
	}

	raw, err := os.ReadFile(s.blobPath(sha))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("contentstore: read failed",
				logging.New().Component("contentstore").Operation("read").Digest(sha).Err(err).Args()...)
		}
		return nil
	}

	text := string(raw)
	if s.cache != nil {
		s.writeCache(sha, text)
	}
	return &text
}

// ReadLegacyMD5 reads the legacy MD5-named mirror for md5, used only by
// StorageService's reingest path when the canonical SHA blob is missing.
func (s *Store) ReadLegacyMD5(md5 string) *string {
	raw, err := os.ReadFile(s.legacyMD5Path(md5))
	if err != nil {
		return nil
	}
	text := string(raw)
	return &text
}

// Remap flattens any absolute path outside the configured root to
// <root>/<basename>, per spec.md §4.B — used by the engine adapter layer
// when it must hand the third-party engine a filesystem path and the
// engine assumes a different root than kbcore's.
func (s *Store) Remap(path string) string {
	if filepath.Dir(path) == s.root {
		return path
	}
	return filepath.Join(s.root, filepath.Base(path))
}

func (s *Store) readCache(sha string) (string, bool) {
	var text string
	err := s.cache.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(readCacheKeyPrefix + sha))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			text = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false
	}
	return text, true
}

func (s *Store) writeCache(sha, text string) {
	err := s.cache.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(readCacheKeyPrefix+sha), []byte(text)).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		s.logger.Debug("contentstore: read-cache write failed, continuing without cache",
			logging.New().Component("contentstore").Operation("read").Digest(sha).Err(err).Args()...)
	}
}

// ScanBlobs walks the root directory for text_<x>.txt files, invoking fn
// with the <x> part of every such name and the file's path; <x> is not
// checked to be digest-shaped here. Used by StorageService.RebuildFromDisk
// (spec.md §4.D). Legacy MD5-named mirrors are skipped by the caller based
// on digest length, not here.
func (s *Store) ScanBlobs(fn func(name, path string) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errs.Wrap("contentstore: scan blobs", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const prefix, suffix = "text_", ".txt"
		if len(name) <= len(prefix)+len(suffix) || name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
			continue
		}
		digest := name[len(prefix) : len(name)-len(suffix)]
		if err := fn(digest, filepath.Join(s.root, name)); err != nil {
			return fmt.Errorf("contentstore: scan blobs: %s: %w", name, err)
		}
	}
	return nil
}
