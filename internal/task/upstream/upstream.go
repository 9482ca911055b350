// Package upstream implements orchestrator.Upstream: the HTTP callout to
// the profile service's AI execution endpoint that actually generates a
// plan, diet, or answer. spec.md §4.I frames "execute" as out of core
// scope but names its contract (a flow, a request_id, flow-specific
// data, a result-or-classified-error back); this package is that contract
// filled in, not a new pipeline.
//
// Grounded on services/llm/anthropic_llm.go's HTTP client shape (build
// request, POST with context, classify non-2xx by status code), adapted
// from "call an LLM provider" to "call the coach's execution endpoint".
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/task/orchestrator"
)

// Client calls the profile service's AI execution endpoint, implementing
// orchestrator.Upstream.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// New returns a Client posting to baseURL + "/ai/execute/<flow>".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	RequestID string `json:"request_id"`
	ProfileID string `json:"profile_id"`
	Action    string `json:"action,omitempty"`
	Data      any    `json:"data"`
}

type executeResponse struct {
	Result any    `json:"result"`
	Reason string `json:"reason"`
}

// Execute implements orchestrator.Upstream. Status codes 429 and 5xx,
// transport errors, and a failed response read are classified retryable;
// any other status than 200, a request that cannot be built, and a
// response that cannot be parsed are non-retryable, following a "don't
// retry a 4xx" posture.
func (c *Client) Execute(ctx context.Context, flow orchestrator.Flow, req orchestrator.Request) (result any, reason string, err error) {
	body, err := json.Marshal(executeRequest{
		RequestID: req.RequestID,
		ProfileID: req.ProfileID,
		Action:    req.Action,
		Data:      req.Data,
	})
	if err != nil {
		return nil, "", errs.NonRetryable(fmt.Errorf("upstream: marshaling request: %w", err))
	}

	url := fmt.Sprintf("%s/ai/execute/%s", c.baseURL, flow)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", errs.NonRetryable(fmt.Errorf("upstream: building request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", errs.Retryable(fmt.Errorf("upstream: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.Retryable(fmt.Errorf("upstream: reading response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, "", errs.Retryable(fmt.Errorf("upstream: status %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", errs.NonRetryable(fmt.Errorf("upstream: status %d: %s", resp.StatusCode, respBody))
	}

	var out executeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, "", errs.NonRetryable(fmt.Errorf("upstream: parsing response: %w", err))
	}
	return out.Result, out.Reason, nil
}
