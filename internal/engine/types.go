// Package engine defines the provider-agnostic interfaces kbcore uses to
// talk to the third-party vector+graph indexing engine, mirroring the
// minimal-interface style of services/trace/agent/providers (ChatClient,
// ModelLifecycleManager): a small capability surface per concern, so the
// concrete adapter (internal/engine/weaviate) can be swapped or faked in
// tests without the rest of kbcore knowing.
//
// spec.md §6.3 names the abstract engine operations this package adapts:
// add, cognify, search, datasets.list_data, get_authorized_dataset_by_name /
// create_authorized_dataset, memify.
package engine

import "context"

// UserContext is the opaque per-profile authorization context the engine's
// multi-tenant API requires on every call. spec.md treats this as a
// collaborator value threaded through, never interpreted by kbcore itself.
type UserContext struct {
	ProfileID string
	SessionID string
}

// Row is one record returned by datasets.list_data / search: a document's
// text plus whatever metadata the engine stored alongside it.
type Row struct {
	Text     string
	Metadata map[string]any
}

// QueryType selects the engine's retrieval mode. GraphCompletionContextExtension
// is the only query type spec.md's SearchService contract (§4.F step 7) uses.
type QueryType string

const (
	QueryTypeGraphCompletionContextExtension QueryType = "GRAPH_COMPLETION_CONTEXT_EXTENSION"
)

// SearchParams bundles a single engine search call's arguments (§6.3 `search`).
type SearchParams struct {
	Query      string
	Datasets   []string
	User       UserContext
	QueryType  QueryType
	SessionID  string // optional; empty means "no session context"
	TopK       int
}

// Indexer is the write/build side of the engine: inserting text and
// (re)building the vector+graph index for a dataset.
//
// Thread Safety: implementations must be safe for concurrent use; per-alias
// serialization of Cognify is the caller's responsibility (internal/lock).
type Indexer interface {
	// Add inserts text into dataset_name's index under the given node set,
	// returning the engine-assigned dataset identifier. Corresponds to
	// spec.md §6.3 `add(text, dataset_name, user, node_set) -> {dataset_id}`.
	Add(ctx context.Context, text, datasetName string, user UserContext, nodeSet []string) (datasetID string, err error)

	// Cognify builds (or rebuilds) the vector+graph index for the given
	// dataset identifiers or aliases. May return errs.ErrNotFound when the
	// underlying content directory for the dataset is missing, per
	// spec.md §4.E `project`.
	Cognify(ctx context.Context, datasets []string, user UserContext) error

	// Memify derives higher-level memory structures from the datasets.
	// Optional: spec.md §9 open questions treat it as opt-in.
	Memify(ctx context.Context, datasets []string, user UserContext) error
}

// Searcher is the read side of the engine used by SearchService.
type Searcher interface {
	// Search performs the engine's fused vector+graph retrieval.
	Search(ctx context.Context, params SearchParams) ([]Row, error)

	// ListData returns every row stored in the given dataset identifier,
	// used for direct fallback reads and for StorageService rebuilds.
	// Corresponds to spec.md §6.3 `datasets.list_data`.
	ListData(ctx context.Context, datasetID string, user UserContext) ([]Row, error)
}

// DatasetMode selects read vs. write authorization when resolving a
// dataset by name, mirroring get_authorized_dataset_by_name's `mode` arg.
type DatasetMode string

const (
	ModeRead  DatasetMode = "read"
	ModeWrite DatasetMode = "write"
)

// Registrar is the dataset-identity side of the engine used by
// DatasetRegistry (spec.md §4.C).
type Registrar interface {
	// GetAuthorizedDatasetByName resolves alias to an engine-assigned
	// dataset ID if the dataset exists and user is authorized for mode.
	// Returns ErrNotFound (internal/errs) if absent.
	GetAuthorizedDatasetByName(ctx context.Context, alias string, user UserContext, mode DatasetMode) (datasetID string, err error)

	// CreateAuthorizedDataset creates (or idempotently returns) the dataset
	// named alias, owned by user.
	CreateAuthorizedDataset(ctx context.Context, alias string, user UserContext) (datasetID string, err error)

	// Setup runs the engine's one-time bootstrap (table/schema creation).
	// Called at most once per process per spec.md §4.C / §7 "setup/bootstrap".
	Setup(ctx context.Context) error
}

// Engine is the full capability set kbcore depends on; concrete adapters
// implement all three facets. Most kbcore components only need one facet
// and should depend on that narrower interface instead of Engine.
type Engine interface {
	Indexer
	Searcher
	Registrar
}
