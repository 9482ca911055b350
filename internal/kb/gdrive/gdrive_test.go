package gdrive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/gdrive"
	"github.com/aicoach/kbcore/internal/kb/projection"
	"github.com/aicoach/kbcore/internal/kb/storage"
	"github.com/aicoach/kbcore/internal/lock"
)

type fakeLister struct {
	children map[string][]gdrive.File // folderID -> children
}

func (f *fakeLister) ListChildren(ctx context.Context, folderID string) ([]gdrive.File, error) {
	return f.children[folderID], nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	data    map[string][]byte
	failN   map[string]int // fileID -> remaining failures before success
}

func (f *fakeDownloader) Download(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failN[fileID]; n > 0 {
		f.failN[fileID] = n - 1
		return nil, &net_Timeout{}
	}
	return f.data[fileID], nil
}

// net_Timeout implements net.Error so isRetryableDownloadErr treats it as
// retryable, without importing net in the test for a tiny stub.
type net_Timeout struct{}

func (e *net_Timeout) Error() string   { return "timeout" }
func (e *net_Timeout) Timeout() bool   { return true }
func (e *net_Timeout) Temporary() bool { return true }

type fakeKB struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeKB) UpdateDataset(ctx context.Context, text, alias string, user engine.UserContext, nodeSet []string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return nil
}

func (f *fakeKB) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHashes struct{ seen map[string]bool }

func (f *fakeHashes) Metadata(ctx context.Context, alias, sha string) map[string]any {
	if f.seen[sha] {
		return map[string]any{"dataset": alias}
	}
	return nil
}

type fakeProjector struct{}

func (f *fakeProjector) EnsureProjected(ctx context.Context, alias string, user engine.UserContext, timeout time.Duration) projection.Status {
	return projection.StatusReady
}

func newLoader(t *testing.T, lister *fakeLister, dl *fakeDownloader, kb *fakeKB, hashes *fakeHashes) *gdrive.Loader {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cache := gdrive.NewCache(rdb)
	redisLock := lock.NewRedisLock(rdb)

	return gdrive.New(lister, dl, kb, hashes, &fakeProjector{}, cache, redisLock, "kb_global", gdrive.Config{
		FolderID:      "root",
		MaxFileSizeMB: 25,
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Millisecond,
		SummaryTTL:    time.Hour,
	}, engine.UserContext{ProfileID: "system"})
}

func TestLoad_EmptyTreeIngestsNothing(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{"root": {}}}
	dl := &fakeDownloader{data: map[string][]byte{}}
	kb := &fakeKB{}
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, kb.callCount())
}

func TestLoad_IngestsTextFilesAndSkipsUnsupportedExtensions(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {
			{ID: "f1", Name: "notes.txt", Size: 10},
			{ID: "f2", Name: "image.png", Size: 10},
		},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("hello world")}}
	kb := &fakeKB{}
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, kb.callCount())
}

func TestLoad_RecursesIntoSubfolders(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {
			{ID: "sub1", Name: "Subfolder", MimeType: "application/vnd.google-apps.folder"},
		},
		"sub1": {
			{ID: "f1", Name: "a.md", Size: 5},
		},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("# hi")}}
	kb := &fakeKB{}
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, kb.callCount())
}

func TestLoad_SkipsOversizedFiles(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {{ID: "f1", Name: "huge.txt", Size: 100 * 1024 * 1024}},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("x")}}
	kb := &fakeKB{}
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, kb.callCount())
}

func TestLoad_SkipsDuplicateDigestUnlessForced(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {{ID: "f1", Name: "a.txt", Size: 5}},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("same text")}}
	kb := &fakeKB{}
	// Pre-seed the digest so Metadata returns non-nil for it.
	sha := storage.ComputeDigest("same text")
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{sha: true}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, kb.callCount())

	err = loader.Load(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, kb.callCount())
}

func TestLoad_RetriesTransientDownloadFailure(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {{ID: "f1", Name: "a.txt", Size: 5}},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("ok")}, failN: map[string]int{"f1": 2}}
	kb := &fakeKB{}
	loader := newLoader(t, lister, dl, kb, &fakeHashes{seen: map[string]bool{}})

	err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, kb.callCount())
}

func TestLoad_SecondConcurrentLoadSkipsOnHeldLock(t *testing.T) {
	lister := &fakeLister{children: map[string][]gdrive.File{
		"root": {{ID: "f1", Name: "a.txt", Size: 5}},
	}}
	dl := &fakeDownloader{data: map[string][]byte{"f1": []byte("locked out")}}
	kb := &fakeKB{}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisLock := lock.NewRedisLock(rdb)
	loader := gdrive.New(lister, dl, kb, &fakeHashes{seen: map[string]bool{}}, &fakeProjector{}, gdrive.NewCache(rdb), redisLock, "kb_global", gdrive.Config{
		FolderID:      "root",
		MaxFileSizeMB: 25,
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Millisecond,
		SummaryTTL:    time.Hour,
	}, engine.UserContext{ProfileID: "system"})

	// A first load already holds the whole-run lock.
	_, held, err := redisLock.Acquire(context.Background(), "kb_gdrive_load")
	require.NoError(t, err)
	require.True(t, held)

	err = loader.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, kb.callCount())
}
