package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/app"
	"github.com/aicoach/kbcore/internal/engine"
)

type fakeRegistry struct {
	ensureErr error
	ensured   []string
}

func (f *fakeRegistry) EnsureExists(ctx context.Context, alias string, user engine.UserContext) error {
	f.ensured = append(f.ensured, alias)
	return f.ensureErr
}

type fakeProjector struct {
	projectErr error
	projected  []string
}

func (f *fakeProjector) Project(ctx context.Context, alias string, user engine.UserContext, allowRebuild bool) error {
	f.projected = append(f.projected, alias)
	return f.projectErr
}

type fakeSearch struct{ invalidated []string }

func (f *fakeSearch) Invalidate(alias string) { f.invalidated = append(f.invalidated, alias) }

type fakeHashes struct {
	clearErr    error
	cleared     []string
	allDatasets []string
	listErr     error
}

func (f *fakeHashes) Clear(ctx context.Context, alias string) error {
	f.cleared = append(f.cleared, alias)
	return f.clearErr
}

func (f *fakeHashes) ListAllDatasets(ctx context.Context) ([]string, error) {
	return f.allDatasets, f.listErr
}

type fakeSanitizer struct {
	sanitized          []string
	converted, removed int
	err                error
}

func (f *fakeSanitizer) SanitizeHashStore(ctx context.Context, alias string) (int, int, error) {
	f.sanitized = append(f.sanitized, alias)
	return f.converted, f.removed, f.err
}

type fakeLoader struct {
	loadErr  error
	loaded   bool
	forceArg bool
}

func (f *fakeLoader) Load(ctx context.Context, forceIngest bool) error {
	f.loaded = true
	f.forceArg = forceIngest
	return f.loadErr
}

func newKB(reg *fakeRegistry, proj *fakeProjector, search *fakeSearch, hashes *fakeHashes, san *fakeSanitizer, opts ...app.Option) *app.KnowledgeBase {
	return app.New(reg, proj, search, hashes, san, "kb_global", engine.UserContext{ProfileID: "service"}, opts...)
}

func TestRefresh_ProjectsGlobalDatasetAndInvalidatesCache(t *testing.T) {
	reg, proj, search, hashes, san := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"kb_global"}, reg.ensured)
	require.Equal(t, []string{"kb_global"}, search.invalidated)
	require.Equal(t, []string{"kb_global"}, proj.projected)
}

func TestRefresh_RunsLoaderWhenWired(t *testing.T) {
	reg, proj, search, hashes, san := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	loader := &fakeLoader{}
	kb := newKB(reg, proj, search, hashes, san, app.WithLoader(loader))

	err := kb.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.True(t, loader.loaded)
	require.True(t, loader.forceArg)
}

func TestRefresh_ContinuesWhenLoaderFails(t *testing.T) {
	reg, proj, search, hashes, san := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	loader := &fakeLoader{loadErr: errors.New("gdrive unreachable")}
	kb := newKB(reg, proj, search, hashes, san, app.WithLoader(loader))

	err := kb.Refresh(context.Background(), false)
	require.NoError(t, err, "a failing loader should not fail the whole refresh")
	require.Len(t, proj.projected, 1, "cognify should still run after a loader failure")
}

func TestRefresh_ReturnsErrorWhenProjectFails(t *testing.T) {
	reg, proj, search, hashes, san := &fakeRegistry{}, &fakeProjector{projectErr: errors.New("cognify failed")}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.Refresh(context.Background(), false)
	require.Error(t, err)
}

func TestSyncProfile_EnsuresAndProjectsCanonicalAlias(t *testing.T) {
	reg, proj, search, hashes, san := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.SyncProfile(context.Background(), "42", "profile_updated")
	require.NoError(t, err)
	require.Equal(t, []string{"kb_profile_42"}, reg.ensured)
	require.Equal(t, []string{"kb_profile_42"}, search.invalidated)
	require.Equal(t, []string{"kb_profile_42"}, proj.projected)
}

func TestSyncProfile_PropagatesEnsureExistsError(t *testing.T) {
	reg := &fakeRegistry{ensureErr: errors.New("dataset create failed")}
	proj, search, hashes, san := &fakeProjector{}, &fakeSearch{}, &fakeHashes{}, &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.SyncProfile(context.Background(), "42", "reason")
	require.Error(t, err)
	require.Empty(t, proj.projected, "project should not run after ensure_exists fails")
}

func TestCleanupProfile_ClearsHashStoreForProfileAndChatDatasets(t *testing.T) {
	reg, proj, search := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}
	hashes, san := &fakeHashes{}, &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.CleanupProfile(context.Background(), "7", "account_deleted")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"kb_profile_7", "kb_chat_7"}, hashes.cleared)
	require.ElementsMatch(t, []string{"kb_profile_7", "kb_chat_7"}, search.invalidated)
}

func TestCleanupProfile_ReturnsErrorButAttemptsBothAliases(t *testing.T) {
	reg, proj, search := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}
	hashes := &fakeHashes{clearErr: errors.New("redis unavailable")}
	san := &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	err := kb.CleanupProfile(context.Background(), "7", "account_deleted")
	require.Error(t, err)
	require.Len(t, hashes.cleared, 2, "both aliases should be attempted even though clear fails")
	require.Empty(t, search.invalidated, "a failed clear should not be treated as invalidated")
}

func TestPrune_SanitizesEveryKnownDataset(t *testing.T) {
	reg, proj, search := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}
	hashes := &fakeHashes{allDatasets: []string{"kb_profile_1", "kb_profile_2", "kb_global"}}
	san := &fakeSanitizer{converted: 1, removed: 2}
	kb := newKB(reg, proj, search, hashes, san)

	converted, removed, err := kb.Prune(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, hashes.allDatasets, san.sanitized)
	require.Equal(t, 3, converted)
	require.Equal(t, 6, removed)
}

func TestPrune_PropagatesListError(t *testing.T) {
	reg, proj, search := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}
	hashes := &fakeHashes{listErr: errors.New("redis down")}
	san := &fakeSanitizer{}
	kb := newKB(reg, proj, search, hashes, san)

	_, _, err := kb.Prune(context.Background())
	require.Error(t, err)
}

func TestPrune_SkipsFailedDatasetButContinuesOthers(t *testing.T) {
	reg, proj, search := &fakeRegistry{}, &fakeProjector{}, &fakeSearch{}
	hashes := &fakeHashes{allDatasets: []string{"kb_profile_1", "kb_profile_2"}}
	san := &fakeSanitizer{err: errors.New("engine unreachable")}
	kb := newKB(reg, proj, search, hashes, san)

	converted, removed, err := kb.Prune(context.Background())
	require.NoError(t, err, "per-dataset sanitize failures should not fail the whole sweep")
	require.Equal(t, 0, converted)
	require.Equal(t, 0, removed)
	require.Len(t, san.sanitized, 2)
}
