package upstream_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/task/orchestrator"
	"github.com/aicoach/kbcore/internal/task/upstream"
)

func TestExecute_ReturnsResultOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ai/execute/plan", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"result": "a plan", "reason": ""})
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)
	result, reason, err := c.Execute(t.Context(), orchestrator.FlowPlan, orchestrator.Request{RequestID: "r1", ProfileID: "p1"})
	require.NoError(t, err)
	require.Equal(t, "a plan", result)
	require.Empty(t, reason)
}

func TestExecute_ClassifiesServerErrorAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)
	_, _, err := c.Execute(t.Context(), orchestrator.FlowAsk, orchestrator.Request{RequestID: "r2"})
	require.Error(t, err)
	retry, tagged := errs.IsRetryable(err)
	require.True(t, tagged)
	require.True(t, retry)
}

func TestExecute_ClassifiesClientErrorAsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)
	_, _, err := c.Execute(t.Context(), orchestrator.FlowDiet, orchestrator.Request{RequestID: "r3"})
	require.Error(t, err)
	retry, tagged := errs.IsRetryable(err)
	require.True(t, tagged)
	require.False(t, retry)
}
