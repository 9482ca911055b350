// Package httpapi implements spec.md §6.2's HMAC- and Basic-auth-protected
// knowledge-base maintenance API: the refresh/sync/cleanup/prune
// endpoints a cron job or the bot backend calls to keep kbcore's datasets
// in sync with profile data.
//
// Grounded on services/trace/routes.go's RegisterRoutes idiom (a free
// function taking a *gin.RouterGroup and a handlers struct) and
// services/trace/handlers_debug.go's handler shape
// (slog.With(request_id, handler), a local ErrorResponse JSON type,
// c.Query for query parameters), with auth modeled on
// original_source/ai_coach/api_security.py's validate_refresh_credentials
// (HTTP Basic) and require_hmac (X-Key-Id/X-TS/X-Sig).
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// KnowledgeBase is the narrow app.KnowledgeBase surface the handlers
// drive. Declared locally rather than importing internal/app's concrete
// type, matching the narrow-interface convention every other package in
// this tree follows.
type KnowledgeBase interface {
	Refresh(ctx context.Context, force bool) error
	SyncProfile(ctx context.Context, profileID, reason string) error
	CleanupProfile(ctx context.Context, profileID, reason string) error
	Prune(ctx context.Context) (converted, removed int, err error)
}

// ErrorResponse is the JSON body returned for any non-2xx response,
// matching the {error, code} shape used by services/trace's handlers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the KnowledgeBase facade the route handlers call into.
type Handlers struct {
	kb     KnowledgeBase
	logger *slog.Logger
}

// NewHandlers returns Handlers wired to kb. A nil logger falls back to
// slog.Default().
func NewHandlers(kb KnowledgeBase, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{kb: kb, logger: logger}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

func writeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, ErrorResponse{Error: msg, Code: code})
}

// HandleRefresh handles `POST /knowledge/refresh/?force=<bool>`.
//
// Description:
//
//	Re-pulls externally-sourced content into the global dataset and
//	re-cognifies it. Requires HTTP Basic auth (BasicAuth middleware).
//
// Query Parameters:
//
//	force: "true" to bypass the loader's duplicate-digest skip (optional,
//	default false)
//
// Response:
//
//	200 OK: {"status": "ok"}
//	502 Bad Gateway: refresh failed
//
// Thread Safety: safe for concurrent use.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRefresh")
	force := parseBoolQuery(c, "force", false)

	if err := h.kb.Refresh(c.Request.Context(), force); err != nil {
		logger.Error("refresh failed", "error", err.Error())
		writeError(c, http.StatusBadGateway, "REFRESH_FAILED", "knowledge base refresh failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleSyncProfile handles
// `POST /internal/knowledge/profiles/:id/sync/`.
//
// Description:
//
//	Ensures the profile's dataset exists and re-cognifies it. Requires
//	HMAC auth (HMACAuth middleware).
//
// Response:
//
//	200 OK: {"status": "ok"}
//	400 Bad Request: missing profile id
//	502 Bad Gateway: sync failed
func (h *Handlers) HandleSyncProfile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSyncProfile")
	profileID := c.Param("id")
	if profileID == "" {
		writeError(c, http.StatusBadRequest, "MISSING_PROFILE_ID", "profile id is required")
		return
	}
	reason, ok := resolveReason(c)
	if !ok {
		return
	}

	if err := h.kb.SyncProfile(c.Request.Context(), profileID, reason); err != nil {
		logger.Error("sync_profile failed", "profile_id", profileID, "error", err.Error())
		writeError(c, http.StatusBadGateway, "SYNC_FAILED", "profile sync failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleCleanupProfile handles
// `POST /internal/knowledge/profiles/:id/cleanup/`.
//
// Description:
//
//	Purges kbcore's HashStore bookkeeping for the profile's datasets.
//	Requires HMAC auth (HMACAuth middleware).
//
// Response:
//
//	200 OK: {"status": "ok"}
//	400 Bad Request: missing profile id
//	502 Bad Gateway: cleanup failed
func (h *Handlers) HandleCleanupProfile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCleanupProfile")
	profileID := c.Param("id")
	if profileID == "" {
		writeError(c, http.StatusBadRequest, "MISSING_PROFILE_ID", "profile id is required")
		return
	}
	reason, ok := resolveReason(c)
	if !ok {
		return
	}

	if err := h.kb.CleanupProfile(c.Request.Context(), profileID, reason); err != nil {
		logger.Error("cleanup_profile failed", "profile_id", profileID, "error", err.Error())
		writeError(c, http.StatusBadGateway, "CLEANUP_FAILED", "profile cleanup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandlePrune handles `POST /internal/knowledge/prune/`.
//
// Description:
//
//	Sweeps every known dataset through StorageService's HashStore
//	sanitizer. Requires HMAC auth (HMACAuth middleware).
//
// Response:
//
//	200 OK: {"status": "ok", "converted": <int>, "removed": <int>}
//	502 Bad Gateway: prune failed
func (h *Handlers) HandlePrune(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePrune")

	converted, removed, err := h.kb.Prune(c.Request.Context())
	if err != nil {
		logger.Error("prune failed", "error", err.Error())
		writeError(c, http.StatusBadGateway, "PRUNE_FAILED", "prune failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "converted": converted, "removed": removed})
}

// getOrCreateRequestID returns the X-Request-ID header value, or "-" if
// the caller did not set one. kbcore does not mint request IDs server
// side; callers (the bot backend, cron) are expected to pass their own
// for cross-service correlation.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return "-"
}

// parseBoolQuery reads a boolean query flag (HandleRefresh's "force") with
// strconv.ParseBool instead of a simple "== true" string compare; a
// missing or unparsable value yields def.
func parseBoolQuery(c *gin.Context, key string, def bool) bool {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
