// Package ingest implements storage.KB: the single "write one document
// into a dataset" primitive that StorageService.ReingestFromHashStore and
// GDriveLoader.Load both depend on as a narrow collaborator, combining
// ContentStore's on-disk blob, HashStore's dedup bookkeeping, and the
// engine's vector+graph Add call into one operation.
//
// Grounded on original_source/ai_coach/agent/knowledge/knowledge_base.py's
// add_text_to_dataset (store the blob, record the digest, hand the text
// to cognee.add), generalized from that function's ai_coach-specific
// argument list to the storage.KB/gdrive.KB interface shape.
package ingest

import (
	"context"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/contentstore"
	"github.com/aicoach/kbcore/internal/kb/hashstore"
	"github.com/aicoach/kbcore/internal/kb/storage"
)

// Indexer is the narrow engine.Indexer surface Service needs.
type Indexer interface {
	Add(ctx context.Context, text, datasetName string, user engine.UserContext, nodeSet []string) (datasetID string, err error)
}

// Service writes one document's text into ContentStore, the engine's
// index, and HashStore, in that order. Thread Safety: safe for concurrent
// use; all three collaborators are themselves concurrency-safe.
type Service struct {
	content *contentstore.Store
	hashes  *hashstore.Store
	indexer Indexer
}

// New returns a Service wired to its collaborators.
func New(content *contentstore.Store, hashes *hashstore.Store, indexer Indexer) *Service {
	return &Service{content: content, hashes: hashes, indexer: indexer}
}

// UpdateDataset implements storage.KB / gdrive.KB: persists text's blob,
// indexes it under alias via the engine, and records the digest in
// HashStore with metadata stamped by storage.AugmentMetadata.
func (s *Service) UpdateDataset(ctx context.Context, text, alias string, user engine.UserContext, nodeSet []string, metadata map[string]any) error {
	sha := storage.ComputeDigest(text)
	s.content.Ensure(sha, text)
	if _, err := s.indexer.Add(ctx, text, alias, user, nodeSet); err != nil {
		return err
	}
	return s.hashes.Add(ctx, alias, sha, storage.AugmentMetadata(metadata, alias, sha))
}
