// Package credit implements spec.md §4.J: CreditLedger, a thin HTTP
// adapter over the profile service's credit-adjustment endpoint, with
// retry limited to 5xx/429 and structured retryable/non-retryable
// classification of the rest.
//
// Grounded on the HTTP provider clients in
// services/trace/agent/providers (a narrow client wrapping one upstream
// endpoint, classifying failures before returning) and using
// github.com/cenkalti/backoff/v4 for the retry loop — an already-vendored
// dependency (services/trace/agent/providers/egress uses bounded
// exponential retry for outbound calls) reused here for CreditLedger's
// own outbound call.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aicoach/kbcore/internal/errs"
)

// Non-retryable reasons the profile service can report, per spec.md §4.J.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonKnowledgeBaseEmpty  = "knowledge_base_empty"
	ReasonTimeout             = "timeout"
)

// AdjustError carries the profile service's machine-readable reason
// alongside the HTTP status, so callers (TaskOrchestrator's fail() step)
// can surface the same reason string to the bot callback rather than a
// generic message. Always reached via errors.As since AdjustCredits wraps
// it in errs.Retryable/errs.NonRetryable.
type AdjustError struct {
	Status int
	Reason string
	cause  error
}

func (e *AdjustError) Error() string { return e.cause.Error() }
func (e *AdjustError) Unwrap() error { return e.cause }

// Ledger implements CreditLedger against an HTTP profile service.
type Ledger struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	backoff    time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Ledger) {
		if c != nil {
			l.httpClient = c
		}
	}
}

// WithMaxRetries overrides the default retry budget for 5xx/429 responses.
func WithMaxRetries(n uint64) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithBackoff overrides the initial exponential-backoff interval.
func WithBackoff(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// New returns a Ledger pointed at baseURL (the profile service root).
func New(baseURL string, opts ...Option) *Ledger {
	l := &Ledger{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type adjustRequest struct {
	Delta int64 `json:"delta"`
}

type adjustResponse struct {
	Reason  string `json:"reason"`
	Balance int64  `json:"balance"`
}

// AdjustCredits applies delta (negative to charge, positive to refund) to
// profileID's balance. Retries on HTTP 5xx/429 up to maxRetries with
// exponential backoff; any other outcome returns immediately, classified
// via internal/errs:
//   - insufficient_credits / knowledge_base_empty -> errs.NonRetryable
//   - any other 4xx, or a 5xx reporting "timeout"                -> errs.NonRetryable
//   - exhausted 5xx/429 retries                                   -> errs.Retryable
func (l *Ledger) AdjustCredits(ctx context.Context, profileID string, delta int64) (balance int64, err error) {
	body, err := json.Marshal(adjustRequest{Delta: delta})
	if err != nil {
		return 0, fmt.Errorf("credit: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/profiles/%s/credits", l.baseURL, profileID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.backoff

	var lastErr error
	for attempt := uint64(0); attempt <= l.maxRetries; attempt++ {
		resp, status, reason, httpErr := l.post(ctx, url, body)
		if httpErr != nil {
			return 0, errs.NonRetryable(fmt.Errorf("credit: adjust_credits %s: %w", profileID, httpErr))
		}

		switch {
		case status >= 200 && status < 300:
			return resp.Balance, nil

		case status == http.StatusTooManyRequests || status >= 500:
			if reason == ReasonTimeout {
				cause := fmt.Errorf("credit: adjust_credits %s: upstream timeout", profileID)
				return 0, errs.NonRetryable(&AdjustError{Status: status, Reason: reason, cause: cause})
			}
			lastErr = fmt.Errorf("credit: adjust_credits %s: status %d: %w", profileID, status, errs.ErrProbe)

		default:
			cause := fmt.Errorf("credit: adjust_credits %s: status %d reason %q", profileID, status, reason)
			return 0, errs.NonRetryable(&AdjustError{Status: status, Reason: reason, cause: cause})
		}

		if attempt == l.maxRetries {
			break
		}
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return 0, errs.Retryable(ctx.Err())
		case <-time.After(wait):
		}
	}
	return 0, errs.Retryable(&AdjustError{Reason: "retries_exhausted", cause: lastErr})
}

func (l *Ledger) post(ctx context.Context, url string, body []byte) (adjustResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return adjustResponse{}, 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return adjustResponse{}, 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return adjustResponse{}, resp.StatusCode, "", err
	}

	var decoded adjustResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded) // best-effort; an empty/odd body still carries a status code
	}
	return decoded, resp.StatusCode, decoded.Reason, nil
}
