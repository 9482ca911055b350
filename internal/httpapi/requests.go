package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// validate is a single shared validator instance, the idiom the
// validator/v10 docs and its gin integration both recommend (the
// struct-tag cache it builds is expensive to construct per-request).
var validate = validator.New()

// reasonBody is the optional JSON body `{"reason": "..."}` the sync and
// cleanup routes accept, mirroring the `reason` argument
// core/tasks/ai_coach/maintenance.py's sync_profile_knowledge and
// cleanup_profile_knowledge always pass. When present, reason is
// required non-empty; callers that prefer the query string instead may
// omit the body entirely.
type reasonBody struct {
	Reason string `json:"reason" validate:"required"`
}

// resolveReason returns the request's maintenance reason: the validated
// JSON body's Reason field if a body was sent, otherwise the `reason`
// query parameter (which may be empty). Returns ok=false and writes the
// error response itself if a body was sent but failed to validate.
func resolveReason(c *gin.Context) (reason string, ok bool) {
	if c.Request.ContentLength == 0 {
		return c.Query("reason"), true
	}

	var body reasonBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "malformed request body")
		return "", false
	}
	if err := validate.Struct(body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REASON", "reason must not be empty")
		return "", false
	}
	return body.Reason, true
}
