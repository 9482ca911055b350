package httpapi_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/httpapi"
	"github.com/aicoach/kbcore/internal/notify"
)

const (
	testRefreshUser     = "refresh_user"
	testRefreshPassword = "refresh_pass"
	testKeyID           = "key-1"
	testSecret          = "s3cr3t"
)

type fakeKB struct {
	refreshErr      error
	syncErr         error
	cleanupErr      error
	pruneErr        error
	pruneConverted  int
	pruneRemoved    int
	refreshedForce  bool
	syncedProfile   string
	cleanedProfile  string
	pruneCalled     bool
}

func (f *fakeKB) Refresh(ctx context.Context, force bool) error {
	f.refreshedForce = force
	return f.refreshErr
}

func (f *fakeKB) SyncProfile(ctx context.Context, profileID, reason string) error {
	f.syncedProfile = profileID
	return f.syncErr
}

func (f *fakeKB) CleanupProfile(ctx context.Context, profileID, reason string) error {
	f.cleanedProfile = profileID
	return f.cleanupErr
}

func (f *fakeKB) Prune(ctx context.Context) (int, int, error) {
	f.pruneCalled = true
	return f.pruneConverted, f.pruneRemoved, f.pruneErr
}

func newRouter(kb *fakeKB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := httpapi.NewHandlers(kb, nil)
	httpapi.RegisterRoutes(r.Group("/"), handlers, testRefreshUser, testRefreshPassword, testKeyID, testSecret)
	return r
}

func hmacRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	ts := time.Now().Unix()
	sig := notify.Sign(testSecret, ts, nil)
	req.Header.Set("X-Key-Id", testKeyID)
	req.Header.Set("X-TS", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Sig", sig)
	return req
}

func TestRefresh_RequiresBasicAuth(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/refresh/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh_SucceedsWithValidBasicAuth(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/refresh/?force=true", nil)
	req.SetBasicAuth(testRefreshUser, testRefreshPassword)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, kb.refreshedForce)
}

func TestRefresh_RejectsWrongPassword(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/refresh/", nil)
	req.SetBasicAuth(testRefreshUser, "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh_ReturnsBadGatewayWhenKnowledgeBaseFails(t *testing.T) {
	kb := &fakeKB{refreshErr: errors.New("cognify failed")}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/refresh/", nil)
	req.SetBasicAuth(testRefreshUser, testRefreshPassword)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestInternalRoutes_RequireHMACHeaders(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge/prune/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.False(t, kb.pruneCalled)
}

func TestInternalRoutes_RejectBadSignature(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := hmacRequest(http.MethodPost, "/internal/knowledge/prune/")
	req.Header.Set("X-Sig", "not-a-real-signature")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalRoutes_RejectExpiredTimestamp(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge/prune/", nil)
	staleTS := time.Now().Add(-10 * time.Minute).Unix()
	sig := notify.Sign(testSecret, staleTS, nil)
	req.Header.Set("X-Key-Id", testKeyID)
	req.Header.Set("X-TS", strconv.FormatInt(staleTS, 10))
	req.Header.Set("X-Sig", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPrune_SucceedsWithValidHMAC(t *testing.T) {
	kb := &fakeKB{pruneConverted: 2, pruneRemoved: 3}
	r := newRouter(kb)

	req := hmacRequest(http.MethodPost, "/internal/knowledge/prune/")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, kb.pruneCalled)
}

func TestSyncProfile_PassesProfileIDThrough(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := hmacRequest(http.MethodPost, "/internal/knowledge/profiles/42/sync/")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "42", kb.syncedProfile)
}

func TestCleanupProfile_PassesProfileIDThrough(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	req := hmacRequest(http.MethodPost, "/internal/knowledge/profiles/7/cleanup/")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "7", kb.cleanedProfile)
}

func TestSyncProfile_AcceptsReasonInJSONBody(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	body := []byte(`{"reason":"profile_updated"}`)
	ts := time.Now().Unix()
	sig := notify.Sign(testSecret, ts, body)
	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge/profiles/42/sync/", bytes.NewReader(body))
	req.Header.Set("X-Key-Id", testKeyID)
	req.Header.Set("X-TS", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Sig", sig)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "42", kb.syncedProfile)
}

func TestSyncProfile_RejectsEmptyReasonInJSONBody(t *testing.T) {
	kb := &fakeKB{}
	r := newRouter(kb)

	body := []byte(`{"reason":""}`)
	ts := time.Now().Unix()
	sig := notify.Sign(testSecret, ts, body)
	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge/profiles/42/sync/", bytes.NewReader(body))
	req.Header.Set("X-Key-Id", testKeyID)
	req.Header.Set("X-TS", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Sig", sig)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, kb.syncedProfile, "validation failure should prevent the sync call")
}
