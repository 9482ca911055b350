package projection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/kb/projection"
	"github.com/aicoach/kbcore/internal/kb/storage"
	"github.com/aicoach/kbcore/internal/lock"
)

type fakeRegistry struct {
	ensureErr error
	idErr     error
	rows      []engine.Row
	rowsErr   error
}

func (f *fakeRegistry) EnsureExists(ctx context.Context, alias string, user engine.UserContext) error {
	return f.ensureErr
}

func (f *fakeRegistry) GetDatasetID(ctx context.Context, alias string, user engine.UserContext) (string, error) {
	if f.idErr != nil {
		return "", f.idErr
	}
	return "id-" + alias, nil
}

func (f *fakeRegistry) ListEntries(ctx context.Context, alias string, user engine.UserContext) ([]engine.Row, error) {
	if f.rowsErr != nil {
		return nil, f.rowsErr
	}
	return f.rows, nil
}

type fakeHealer struct {
	calls int
}

func (f *fakeHealer) Heal(ctx context.Context, alias string, entries []storage.Entry, reason string) (int, int) {
	f.calls++
	return 0, 0
}

type fakeIndexer struct {
	cognifyErrs []error
	calls       int
}

func (f *fakeIndexer) Add(ctx context.Context, data, alias string, user engine.UserContext, nodeSet []string) (string, error) {
	return "", nil
}

func (f *fakeIndexer) Cognify(ctx context.Context, aliases []string, user engine.UserContext) error {
	idx := f.calls
	f.calls++
	if idx < len(f.cognifyErrs) {
		return f.cognifyErrs[idx]
	}
	return nil
}

func (f *fakeIndexer) Memify(ctx context.Context, alias string, user engine.UserContext) error {
	return nil
}

func TestProbe_ReadyWhenRowsHaveText(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	ready, reason := svc.Probe(context.Background(), "kb_global", engine.UserContext{})
	require.True(t, ready)
	require.Equal(t, "ready", reason)
}

func TestProbe_NoRowsInDataset(t *testing.T) {
	reg := &fakeRegistry{rows: nil}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	ready, reason := svc.Probe(context.Background(), "kb_global", engine.UserContext{})
	require.False(t, ready)
	require.Equal(t, "no_rows_in_dataset", reason)
}

func TestProbe_PendingWhenRowsLackText(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: ""}}}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	ready, reason := svc.Probe(context.Background(), "kb_global", engine.UserContext{})
	require.False(t, ready)
	require.Equal(t, "pending", reason)
}

func TestProbe_NotFoundWhenDatasetIDMissing(t *testing.T) {
	reg := &fakeRegistry{idErr: errs.ErrNotFound}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	ready, reason := svc.Probe(context.Background(), "kb_global", engine.UserContext{})
	require.False(t, ready)
	require.Equal(t, "not_found", reason)
}

func TestWait_ReturnsReadyImmediately(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	status := svc.Wait(context.Background(), "kb_global", engine.UserContext{}, time.Second)
	require.Equal(t, projection.StatusReady, status)
}

func TestWait_TimesOutWhenNeverReady(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: ""}}}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	status := svc.Wait(context.Background(), "kb_global", engine.UserContext{}, 10*time.Millisecond)
	require.Equal(t, projection.StatusTimeout, status)
}

func TestWait_ReadyEmptyWhenDatasetHasNoRows(t *testing.T) {
	reg := &fakeRegistry{rows: nil}
	svc := projection.New(reg, &fakeHealer{}, &fakeIndexer{}, lock.NewCache())

	status := svc.Wait(context.Background(), "kb_global", engine.UserContext{}, time.Second)
	require.Equal(t, projection.StatusReadyEmpty, status)
}

func TestEnsureProjected_HealsAfterEachFailedAttempt(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: ""}}}
	healer := &fakeHealer{}
	svc := projection.New(reg, healer, &fakeIndexer{}, lock.NewCache())

	status := svc.EnsureProjected(context.Background(), "kb_global", engine.UserContext{}, 10*time.Millisecond)
	require.Equal(t, projection.StatusTimeout, status)
	require.Equal(t, 3, healer.calls)
}

func TestProject_SucceedsOnFirstCognify(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	idx := &fakeIndexer{}
	svc := projection.New(reg, &fakeHealer{}, idx, lock.NewCache())

	err := svc.Project(context.Background(), "kb_global", engine.UserContext{}, false)
	require.NoError(t, err)
	require.Equal(t, 1, idx.calls)
}

func TestProject_HealsAndRetriesOnNotFound(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	healer := &fakeHealer{}
	idx := &fakeIndexer{cognifyErrs: []error{errs.ErrNotFound, nil}}
	svc := projection.New(reg, healer, idx, lock.NewCache())

	err := svc.Project(context.Background(), "kb_global", engine.UserContext{}, false)
	require.NoError(t, err)
	require.Equal(t, 1, healer.calls)
	require.Equal(t, 2, idx.calls)
}

func TestProject_ReturnsErrorWhenRebuildNotAllowed(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	idx := &fakeIndexer{cognifyErrs: []error{errs.ErrNotFound, errs.ErrNotFound}}
	svc := projection.New(reg, &fakeHealer{}, idx, lock.NewCache())

	err := svc.Project(context.Background(), "kb_global", engine.UserContext{}, false)
	require.Error(t, err)
}

func TestProject_RebuildsWhenAllowed(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	healer := &fakeHealer{}
	idx := &fakeIndexer{cognifyErrs: []error{errs.ErrNotFound, errs.ErrNotFound, nil}}
	svc := projection.New(reg, healer, idx, lock.NewCache())

	err := svc.Project(context.Background(), "kb_global", engine.UserContext{}, true)
	require.NoError(t, err)
	require.Equal(t, 2, healer.calls)
}

func TestProject_PropagatesNonNotFoundError(t *testing.T) {
	reg := &fakeRegistry{rows: []engine.Row{{Text: "hello"}}}
	boom := errors.New("boom")
	idx := &fakeIndexer{cognifyErrs: []error{boom}}
	svc := projection.New(reg, &fakeHealer{}, idx, lock.NewCache())

	err := svc.Project(context.Background(), "kb_global", engine.UserContext{}, true)
	require.Error(t, err)
}
