// Package weaviate adapts a Weaviate cluster to kbcore's internal/engine
// interfaces. This is the "adapter layer" spec.md §9 calls for: the only
// place in kbcore that knows Weaviate's class/property/GraphQL shape.
//
// Grounded on the provider-adapter shape (services/trace/agent/
// providers/anthropic_chat.go et al.: a thin struct wrapping a generated
// client, translating provider-specific errors into kbcore's own taxonomy)
// and on services/trace/agent/routing/router_cache.go's documentation
// density for a storage-backed adapter.
package weaviate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	weaviateclient "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/errs"
)

// className is the single Weaviate class kbcore stores every document kind
// under. Multi-tenancy (one dataset per tenant) is used instead of one
// class per dataset, since dataset aliases are created dynamically at
// runtime and Weaviate schema changes are comparatively expensive.
const className = "KBDocument"

// propText / propDataset / propKind / propDigest / propSource / propNodeSet
// are the Weaviate object properties every document carries.
const (
	propText    = "text"
	propDataset = "dataset"
	propKind    = "kind"
	propDigest  = "digestSha"
	propSource  = "source"
	propNodeSet = "nodeSet"
)

// Adapter implements engine.Engine against a Weaviate deployment using
// multi-tenancy: each dataset alias maps 1:1 to a Weaviate tenant name.
//
// Thread Safety: safe for concurrent use; the underlying generated client
// is itself a thin HTTP wrapper with no shared mutable state.
type Adapter struct {
	client *weaviateclient.Client
}

// Config configures how Adapter reaches the Weaviate cluster.
type Config struct {
	Scheme string // "http" or "https"
	Host   string // host:port
	APIKey string // optional, for managed Weaviate Cloud clusters
}

// New dials a Weaviate cluster and returns an Adapter.
func New(cfg Config) (*Adapter, error) {
	wcfg := weaviateclient.Config{
		Scheme: cfg.Scheme,
		Host:   cfg.Host,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviateclient.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate: dial %s: %w", cfg.Host, err)
	}
	return &Adapter{client: client}, nil
}

// Setup ensures the KBDocument class and its multi-tenancy config exist.
// Idempotent: Weaviate returns 422 if the class already exists, which this
// method treats as success (spec.md §7 "setup/bootstrap" policy).
func (a *Adapter) Setup(ctx context.Context) error {
	exists, err := a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return errs.Wrap("weaviate setup: check class", err)
	}
	if exists {
		return nil
	}

	class := &weaviateclient.Class{
		Class:              className,
		Vectorizer:         "none", // no vectorizer module; Add stores objects without vectors
		MultiTenancyConfig: &weaviateclient.MultiTenancyConfig{Enabled: true},
		Properties: []weaviateclient.Property{
			{Name: propText, DataType: []string{"text"}},
			{Name: propDataset, DataType: []string{"text"}},
			{Name: propKind, DataType: []string{"text"}},
			{Name: propDigest, DataType: []string{"text"}},
			{Name: propSource, DataType: []string{"text"}},
			{Name: propNodeSet, DataType: []string{"text[]"}},
		},
	}
	if err := a.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return errs.Wrap("weaviate setup: create class", err)
	}
	return nil
}

// ensureTenant creates the Weaviate tenant backing alias if it does not
// already exist. Weaviate tenants are the engine-level analogue of
// kbcore's dataset identifiers: tenant name == dataset alias, always.
func (a *Adapter) ensureTenant(ctx context.Context, alias string) error {
	tenant := weaviateclient.Tenant{Name: alias}
	err := a.client.Schema().TenantsCreator().
		WithClassName(className).
		WithTenants(tenant).
		Do(ctx)
	if err != nil && !isAlreadyExists(err) {
		return errs.Wrap("weaviate: ensure tenant", err)
	}
	return nil
}

// GetAuthorizedDatasetByName resolves alias to its engine identifier. In
// the tenant model the "identifier" Weaviate assigns is the tenant name
// itself, so this is mostly an existence check; kbcore's own
// DatasetRegistry still treats the returned string as opaque.
func (a *Adapter) GetAuthorizedDatasetByName(ctx context.Context, alias string, _ engine.UserContext, _ engine.DatasetMode) (string, error) {
	tenants, err := a.client.Schema().TenantsGetter().WithClassName(className).Do(ctx)
	if err != nil {
		return "", errs.Wrap("weaviate: list tenants", err)
	}
	for _, t := range tenants {
		if t.Name == alias {
			return alias, nil
		}
	}
	return "", errs.ErrNotFound
}

// CreateAuthorizedDataset creates the tenant for alias if absent and
// returns its identifier (the alias itself, per the tenant model above).
func (a *Adapter) CreateAuthorizedDataset(ctx context.Context, alias string, _ engine.UserContext) (string, error) {
	if err := a.ensureTenant(ctx, alias); err != nil {
		return "", err
	}
	return alias, nil
}

// Add inserts text as a new object in the KBDocument class, tenant-scoped
// to datasetName. nodeSet is stored verbatim for provenance (e.g. GDrive
// file IDs, chat message IDs).
func (a *Adapter) Add(ctx context.Context, text, datasetName string, user engine.UserContext, nodeSet []string) (string, error) {
	if err := a.ensureTenant(ctx, datasetName); err != nil {
		return "", err
	}

	props := map[string]any{
		propText:    text,
		propDataset: datasetName,
		propNodeSet: nodeSet,
	}

	id := uuid.New().String()
	_, err := a.client.Data().Creator().
		WithClassName(className).
		WithTenant(datasetName).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return "", errs.Wrap("weaviate: add object", err)
	}
	return datasetName, nil
}

// Cognify triggers Weaviate's async vectorization/indexing for the given
// tenants. Weaviate indexes synchronously on write when a vectorizer is
// configured, so for the "none" vectorizer used here Cognify is a
// consistency checkpoint: it verifies the tenant exists and is ACTIVE,
// surfacing errs.ErrNotFound-wrapped errors so ProjectionService can
// heal and retry per spec.md §4.E.
func (a *Adapter) Cognify(ctx context.Context, datasets []string, user engine.UserContext) error {
	for _, alias := range datasets {
		status, err := a.tenantStatus(ctx, alias)
		if err != nil {
			return err
		}
		if status == "" {
			return fmt.Errorf("weaviate: cognify %s: %w", alias, errs.ErrNotFound)
		}
		if status != "ACTIVE" {
			if err := a.activateTenant(ctx, alias); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) tenantStatus(ctx context.Context, alias string) (string, error) {
	tenants, err := a.client.Schema().TenantsGetter().WithClassName(className).Do(ctx)
	if err != nil {
		return "", errs.Wrap("weaviate: tenant status", err)
	}
	for _, t := range tenants {
		if t.Name == alias {
			return t.ActivityStatus, nil
		}
	}
	return "", nil
}

func (a *Adapter) activateTenant(ctx context.Context, alias string) error {
	tenant := weaviateclient.Tenant{Name: alias, ActivityStatus: "ACTIVE"}
	err := a.client.Schema().TenantsUpdater().WithClassName(className).WithTenants(tenant).Do(ctx)
	if err != nil {
		return errs.Wrap("weaviate: activate tenant", err)
	}
	return nil
}

// Memify is a no-op passthrough on Weaviate; kbcore's own search layer
// derives "memory" structures, there is no engine-side equivalent for the
// Weaviate backend. Kept to satisfy engine.Indexer.
func (a *Adapter) Memify(ctx context.Context, datasets []string, user engine.UserContext) error {
	return nil
}

// Search performs a BM25 + near-vector hybrid query scoped to the given
// tenants, the closest Weaviate primitive to the abstract engine's fused
// vector+graph search. params.SessionID and params.QueryType are not sent
// to Weaviate; Weaviate itself is stateless per request.
func (a *Adapter) Search(ctx context.Context, params engine.SearchParams) ([]engine.Row, error) {
	if len(params.Datasets) == 0 {
		return nil, nil
	}

	fields := []graphql.Field{
		{Name: propText},
		{Name: propDataset},
		{Name: propKind},
		{Name: propDigest},
		{Name: propSource},
	}

	var rows []engine.Row
	for _, tenant := range params.Datasets {
		limit := params.TopK
		if limit <= 0 {
			limit = 10
		}
		result, err := a.client.GraphQL().Get().
			WithClassName(className).
			WithTenant(tenant).
			WithFields(fields...).
			WithHybrid(a.client.GraphQL().HybridArgumentBuilder().WithQuery(params.Query)).
			WithLimit(limit).
			Do(ctx)
		if err != nil {
			return nil, errs.Wrap(fmt.Sprintf("weaviate: search tenant %s", tenant), err)
		}
		rows = append(rows, decodeGetResult(result, className)...)
	}
	return rows, nil
}

// ListData returns the objects stored under datasetID (the tenant), at most
// 10,000 of them, used
// by StorageService rebuilds and SearchService's direct-read fallback.
func (a *Adapter) ListData(ctx context.Context, datasetID string, _ engine.UserContext) ([]engine.Row, error) {
	resp, err := a.client.Data().ObjectsGetter().
		WithClassName(className).
		WithTenant(datasetID).
		WithLimit(10_000).
		Do(ctx)
	if err != nil {
		return nil, errs.Wrap("weaviate: list data", err)
	}

	rows := make([]engine.Row, 0, len(resp))
	for _, obj := range resp {
		props, ok := obj.Properties.(map[string]any)
		if !ok {
			continue
		}
		text, _ := props[propText].(string)
		rows = append(rows, engine.Row{
			Text:     text,
			Metadata: props,
		})
	}
	return rows, nil
}

// decodeGetResult flattens a GraphQL Get{} response for className into
// engine.Row values. Weaviate's generated client returns a generic
// map[string]interface{} tree; this is the one place in kbcore that walks
// it, isolating the rest of the codebase from GraphQL response shape.
func decodeGetResult(result *graphql.GraphQLResponse, className string) []engine.Row {
	if result == nil || result.Data == nil {
		return nil
	}
	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objs, ok := get[className].([]any)
	if !ok {
		return nil
	}

	rows := make([]engine.Row, 0, len(objs))
	for _, o := range objs {
		m, ok := o.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m[propText].(string)
		rows = append(rows, engine.Row{Text: text, Metadata: m})
	}
	return rows
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
