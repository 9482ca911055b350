// Package orchestrator implements spec.md §4.I: TaskOrchestrator, the
// claim→charge→execute→notify→refund pipeline shared by the Plan, Diet,
// and Ask-AI flows.
//
// Grounded on the provider call lifecycle in
// services/trace/agent/providers (dedup, invoke, classify failure,
// compensate) generalized from "one LLM call" to "one billed async task",
// and on services/trace/cli/tools for the idea of a small typed "result
// or structured error" return shared across call sites.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aicoach/kbcore/internal/errs"
	"github.com/aicoach/kbcore/internal/idempotency"
	"github.com/aicoach/kbcore/internal/logging"
	"github.com/aicoach/kbcore/internal/notify"
	"github.com/aicoach/kbcore/internal/task/credit"
)

// Flow names one of the three shared-contract pipelines, per spec.md §4.I.
type Flow string

const (
	FlowPlan Flow = "plan"
	FlowDiet Flow = "diet"
	FlowAsk  Flow = "ask"
)

func (f Flow) endpoint() notify.Endpoint {
	switch f {
	case FlowPlan:
		return notify.EndpointPlanReady
	case FlowDiet:
		return notify.EndpointDietReady
	default:
		return notify.EndpointAnswerReady
	}
}

// Request is one submission into the pipeline.
type Request struct {
	RequestID string
	ProfileID string

	// Cost is the credit amount to charge/refund. Plan generation never
	// charges (spec.md §4.I "Plan generation doesn't charge (credits are
	// spent before enqueue in the caller)"); callers must pass Cost==0 for
	// FlowPlan.
	Cost int64

	// Action namespaces Plan's notify dedup keys ("create" | "update"),
	// per spec.md §4.I "Plan-specific details". Unused by Diet/Ask.
	Action string

	// Data is the flow-specific upstream input (plan spec, diet
	// preferences, question text, …).
	Data any
}

func (r Request) dedupKey(flow Flow, field string) string {
	if flow == FlowPlan && r.Action != "" {
		return fmt.Sprintf("ai:%s:%s:%s:%s", flow, r.Action, field, r.RequestID)
	}
	return fmt.Sprintf("ai:%s:%s:%s", flow, field, r.RequestID)
}

// Upstream is the flow-specific work TaskOrchestrator invokes once
// claimed and (if applicable) charged. Implementations classify their own
// errors with internal/errs.Retryable / errs.NonRetryable; an
// unclassified error is treated as non-retryable.
type Upstream interface {
	Execute(ctx context.Context, flow Flow, req Request) (result any, reason string, err error)
}

// Orchestrator wires the per-request idempotency state, the credit
// ledger, the bot notifier, and the flow-specific upstream together.
type Orchestrator struct {
	idem     *idempotency.State
	credit   *credit.Ledger
	notifier *notify.Client
	upstream Upstream

	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries overrides the upstream-call retry budget
// (AI_QA_MAX_RETRIES).
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBackoff overrides the initial upstream-call retry backoff
// (AI_QA_RETRY_BACKOFF_S); each successive attempt doubles it.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns an Orchestrator wired to idem, ledger, notifier, upstream.
func New(idem *idempotency.State, ledger *credit.Ledger, notifier *notify.Client, upstream Upstream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		idem:         idem,
		credit:       ledger,
		notifier:     notifier,
		upstream:     upstream,
		maxRetries:   3,
		retryBackoff: 2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the full claim→charge→execute→notify pipeline for req,
// per spec.md §4.I. attempt is the queue-redelivery counter (0 on first
// delivery) used only to distinguish a fresh submit from a duplicate.
func (o *Orchestrator) Execute(ctx context.Context, flow Flow, req Request, attempt int) error {
	log := logging.New().Component("orchestrator").Operation("execute").RequestID(req.RequestID)

	claimed, err := o.idem.Claim(ctx, req.dedupKey(flow, "task"))
	if err != nil {
		return err
	}
	if !claimed && attempt == 0 {
		o.logger.Info("orchestrator: duplicate submit, no-op", log.Args()...)
		return nil
	}

	charged := false
	if flow != FlowPlan && req.Cost > 0 {
		charged, err = o.charge(ctx, flow, req)
		if err != nil {
			return o.fail(ctx, flow, req, chargeFailureReason(err), false, err)
		}
	}

	result, reason, err := o.runUpstream(ctx, flow, req)
	if err != nil {
		return o.fail(ctx, flow, req, reason, charged, err)
	}

	payload := notify.Payload{
		Status:    "success",
		RequestID: req.RequestID,
		ProfileID: req.ProfileID,
		Result:    result,
	}
	return o.deliver(ctx, flow, req, payload, charged)
}

// charge atomically reserves the "charged" flag before calling the
// credit ledger, rolling it back on failure — spec.md §9's resolution of
// the at-most-once-charge ordering ambiguity.
func (o *Orchestrator) charge(ctx context.Context, flow Flow, req Request) (charged bool, err error) {
	key := req.dedupKey(flow, "charged")
	already, err := o.idem.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if already {
		return true, nil
	}

	reserved, err := o.idem.Claim(ctx, key)
	if err != nil {
		return false, err
	}
	if !reserved {
		return true, nil // lost the race to another claimant; treat as charged
	}

	if _, err := o.credit.AdjustCredits(ctx, req.ProfileID, -req.Cost); err != nil {
		_ = o.idem.Release(ctx, key)
		return false, err
	}
	return true, nil
}

// runUpstream retries transport-classified failures with doubling
// backoff up to maxRetries, per spec.md §4.I step 3.
func (o *Orchestrator) runUpstream(ctx context.Context, flow Flow, req Request) (result any, reason string, err error) {
	backoff := o.retryBackoff
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		result, reason, err = o.upstream.Execute(ctx, flow, req)
		if err == nil {
			return result, "", nil
		}

		retry, tagged := errs.IsRetryable(err)
		if tagged && !retry {
			return nil, reason, err
		}
		if !tagged {
			// Unclassified upstream errors are treated as non-retryable, per
			// spec.md §7 "permanent client" default for unrecognized failures.
			return nil, reason, err
		}
		if attempt == o.maxRetries {
			return nil, reason, err
		}

		select {
		case <-ctx.Done():
			return nil, reason, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, reason, err
}

// fail builds an error notify payload and delivers it without checking
// the delivered flag, and dispatches a refund if a charge was recorded, per spec.md §4.I step 4
// and the Failure handler.
func (o *Orchestrator) fail(ctx context.Context, flow Flow, req Request, reason string, charged bool, cause error) error {
	if reason == "" {
		reason = cause.Error()
	}

	log := logging.New().Component("orchestrator").Operation("fail").RequestID(req.RequestID).String("reason", reason)
	o.logger.Warn("orchestrator: task failed", log.Err(cause).Args()...)

	refunded := false
	failedKey := req.dedupKey(flow, "failed")
	firstToFail, err := o.idem.SetValue(ctx, failedKey, reason)
	if err != nil {
		return err
	}
	if firstToFail && charged {
		refunded = o.Refund(ctx, flow, req)
	}

	payload := notify.Payload{
		Status:          "error",
		RequestID:       req.RequestID,
		ProfileID:       req.ProfileID,
		Error:           reason,
		CreditsRefunded: &refunded,
	}
	if reason == credit.ReasonInsufficientCredits || reason == credit.ReasonKnowledgeBaseEmpty {
		payload.LocalizedMessageKey = "coach_agent_error"
	}

	if derr := o.notifier.Deliver(ctx, flow.endpoint(), payload); derr != nil {
		o.logger.Error("orchestrator: error notify delivery failed",
			logging.New().Component("orchestrator").Operation("notify_error").RequestID(req.RequestID).Err(derr).Args()...)
		return derr
	}
	return nil
}

// deliver implements the Notify step: skip if already delivered, retry
// via the notifier's own backoff, and fall back to fail() on exhaustion.
func (o *Orchestrator) deliver(ctx context.Context, flow Flow, req Request, payload notify.Payload, charged bool) error {
	deliveredKey := req.dedupKey(flow, "delivered")
	already, err := o.idem.Exists(ctx, deliveredKey)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := o.notifier.Deliver(ctx, flow.endpoint(), payload); err != nil {
		return o.fail(ctx, flow, req, "notify_delivery_failed", charged, err)
	}

	if _, err := o.idem.Claim(ctx, deliveredKey); err != nil {
		return err
	}
	return nil
}

// Refund implements the Refund step of spec.md §4.I: acquire refund_lock,
// skip if already refunded or never charged, call the ledger, and clear
// charged / set refunded. Returns whether a refund was actually applied.
func (o *Orchestrator) Refund(ctx context.Context, flow Flow, req Request) bool {
	lockKey := req.dedupKey(flow, "refund_lock")
	acquired, err := o.idem.Claim(ctx, lockKey)
	if err != nil || !acquired {
		return false
	}
	defer func() { _ = o.idem.Release(ctx, lockKey) }()

	refundedKey := req.dedupKey(flow, "refunded")
	chargedKey := req.dedupKey(flow, "charged")

	alreadyRefunded, err := o.idem.Exists(ctx, refundedKey)
	if err != nil || alreadyRefunded {
		return false
	}
	wasCharged, err := o.idem.Exists(ctx, chargedKey)
	if err != nil || !wasCharged {
		return false
	}

	if _, err := o.credit.AdjustCredits(ctx, req.ProfileID, req.Cost); err != nil {
		o.logger.Error("orchestrator: refund failed",
			logging.New().Component("orchestrator").Operation("refund").RequestID(req.RequestID).Err(err).Args()...)
		return false
	}

	if _, err := o.idem.Claim(ctx, refundedKey); err != nil {
		return false
	}
	_ = o.idem.Release(ctx, chargedKey)
	return true
}

// chargeFailureReason extracts the profile service's machine-readable
// reason from a charge failure, falling back to a generic label when the
// error did not originate from the credit ledger (e.g. a Redis outage
// during the NX reservation).
func chargeFailureReason(err error) string {
	var adjustErr *credit.AdjustError
	if errors.As(err, &adjustErr) && adjustErr.Reason != "" {
		return adjustErr.Reason
	}
	return "charge_failed"
}

// IsDuplicateClaim reports whether err represents an idempotency conflict
// that callers should treat as success, per spec.md §7.
func IsDuplicateClaim(err error) bool {
	return errors.Is(err, errs.ErrIdempotencyConflict)
}
