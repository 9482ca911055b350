package httpapi

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aicoach/kbcore/internal/notify"
)

// BasicAuth guards the public `/knowledge/refresh/` route with HTTP Basic
// credentials, the same scheme original_source/ai_coach/api_security.py's
// validate_refresh_credentials enforces (AI_COACH_REFRESH_USER /
// AI_COACH_REFRESH_PASSWORD). Constant-time compares avoid leaking
// credential length/prefix through response timing.
func BasicAuth(user, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		gotUser, gotPass, ok := c.Request.BasicAuth()
		if !ok || !constantTimeEqual(gotUser, user) || !constantTimeEqual(gotPass, password) {
			c.Header("WWW-Authenticate", `Basic realm="kbcore"`)
			writeError(c, http.StatusUnauthorized, "BAD_CREDENTIALS", "invalid refresh credentials")
			c.Abort()
			return
		}
		c.Next()
	}
}

// HMACAuth guards the `/internal/knowledge/...` routes with the
// X-Key-Id/X-TS/X-Sig scheme original_source/ai_coach/api_security.py's
// require_hmac implements: the key id must match keyID, and the
// signature must verify against secret over "<ts>.<body>" within
// notify.MaxClockSkew of now (notify.Verify enforces both). The raw
// request body is read fully and restored onto the request so downstream
// handlers can still read it (the sync and cleanup handlers bind their
// optional {"reason": ...} body via c.ShouldBindJSON).
func HMACAuth(keyID, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		gotKeyID := c.GetHeader("X-Key-Id")
		tsHeader := c.GetHeader("X-TS")
		sig := c.GetHeader("X-Sig")
		if gotKeyID == "" || tsHeader == "" || sig == "" {
			writeError(c, http.StatusUnauthorized, "MISSING_HMAC_HEADERS", "missing X-Key-Id/X-TS/X-Sig headers")
			c.Abort()
			return
		}
		if !constantTimeEqual(gotKeyID, keyID) {
			writeError(c, http.StatusUnauthorized, "BAD_KEY_ID", "unknown key id")
			c.Abort()
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "BAD_TIMESTAMP", "malformed X-TS header")
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, http.StatusBadRequest, "BODY_READ_FAILED", "failed to read request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !notify.Verify(secret, ts, body, sig, time.Now()) {
			writeError(c, http.StatusUnauthorized, "BAD_SIGNATURE", "signature verification failed")
			c.Abort()
			return
		}
		c.Next()
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
