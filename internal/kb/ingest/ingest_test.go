package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/kb/contentstore"
	"github.com/aicoach/kbcore/internal/kb/hashstore"
	"github.com/aicoach/kbcore/internal/kb/ingest"
	"github.com/aicoach/kbcore/internal/kb/storage"
)

type fakeIndexer struct {
	calls  int
	lastDS string
	err    error
}

func (f *fakeIndexer) Add(ctx context.Context, text, datasetName string, user engine.UserContext, nodeSet []string) (string, error) {
	f.calls++
	f.lastDS = datasetName
	if f.err != nil {
		return "", f.err
	}
	return "engine-dataset-id", nil
}

func newService(t *testing.T, indexer *fakeIndexer) (*ingest.Service, *hashstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hashes := hashstore.New(rdb, hashstore.WithTTL(time.Hour))
	content := contentstore.New(t.TempDir())
	return ingest.New(content, hashes, indexer), hashes
}

func TestUpdateDataset_IndexesAndRecordsDigest(t *testing.T) {
	indexer := &fakeIndexer{}
	svc, hashes := newService(t, indexer)

	text := "squats are great"
	err := svc.UpdateDataset(context.Background(), text, "kb_profile_1", engine.UserContext{ProfileID: "1"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, indexer.calls)
	require.Equal(t, "kb_profile_1", indexer.lastDS)

	sha := storage.ComputeDigest(text)
	require.True(t, hashes.Contains(context.Background(), "kb_profile_1", sha))
}

func TestUpdateDataset_PropagatesIndexerError(t *testing.T) {
	indexer := &fakeIndexer{err: context.DeadlineExceeded}
	svc, _ := newService(t, indexer)

	err := svc.UpdateDataset(context.Background(), "text", "kb_global", engine.UserContext{}, nil, nil)
	require.Error(t, err)
}
