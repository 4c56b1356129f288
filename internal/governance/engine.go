package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/payguard/payguard/internal/audit"
	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/metrics"
	"github.com/payguard/payguard/internal/policy"
	"github.com/payguard/payguard/internal/traces"
)

const (
	// cycleDeadline bounds one decision end-to-end.
	cycleDeadline = 10 * time.Second

	// actionTimeout bounds the post-commit payment backend call.
	actionTimeout = 5 * time.Second
)

// Engine orchestrates the decision pipeline. Identity, Anomaly, Limiter,
// Payments, and Notify are optional; a nil collaborator skips its step.
type Engine struct {
	Budget   BudgetLedger
	Idem     IdempotencyGate
	Policies PolicySource
	Rep      ReputationChecker
	Identity IdentityVerifier
	Anomaly  AnomalyScorer
	Audit    AuditSink
	Limiter  RateLimiter
	Payments PaymentActions
	Notify   Notifier
}

// Evaluate runs the full pipeline on one intent. The returned error is
// non-nil only when no audit record could be committed; in every other
// case the Result is terminal and already durable.
func (e *Engine) Evaluate(ctx context.Context, intent Intent) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cycleDeadline)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "governance.evaluate",
		traces.PayoutID(intent.PayoutID), traces.AgentID(intent.AgentID), traces.Amount(intent.Amount))
	defer span.End()

	start := time.Now()
	metrics.IntentsInFlight.Inc()
	defer metrics.IntentsInFlight.Dec()

	res, err := e.evaluate(ctx, intent, start)
	if err != nil {
		return Result{}, err
	}

	span.SetAttributes(traces.Decision(string(res.Decision)), traces.Reason(string(res.ReasonCode)))
	metrics.DecisionsTotal.WithLabelValues(string(res.Decision), string(res.ReasonCode)).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	logging.L(ctx).Info("governance decision",
		"payout_id", intent.PayoutID,
		"agent_id", intent.AgentID,
		"amount", intent.Amount,
		"decision", res.Decision,
		"reason", res.ReasonCode,
		"processing_ms", res.ProcessingMS)

	e.postCommit(ctx, intent, res)
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, intent Intent, start time.Time) (Result, error) {
	// Step 1: idempotency claim. A substrate error is fail-closed.
	won, err := e.Idem.Claim(ctx, intent.PayoutID)
	if err != nil {
		return e.commit(ctx, intent, start, Rejected, ReasonInternalError,
			fmt.Sprintf("idempotency gate unavailable: %v", err), nil)
	}
	if !won {
		return e.commit(ctx, intent, start, Skipped, ReasonIdempotentSkip,
			"payout already processed within the retention window", nil)
	}

	// Step 2: policy fetch. Missing policy is a governed rejection.
	pol, err := e.Policies.Get(ctx, intent.AgentID)
	if errors.Is(err, policy.ErrNotFound) {
		return e.commit(ctx, intent, start, Rejected, ReasonNoPolicy,
			fmt.Sprintf("no spending policy configured for agent %q", intent.AgentID), nil)
	}
	if err != nil {
		return e.commit(ctx, intent, start, Rejected, ReasonInternalError,
			fmt.Sprintf("policy store unavailable: %v", err), nil)
	}

	// Step 3: per-transaction cap, checked before any reservation so
	// oversized requests never inflate the counter.
	if pol.PerTxnCap != nil && intent.Amount > *pol.PerTxnCap {
		return e.commit(ctx, intent, start, Rejected, ReasonTxnLimitExceeded,
			fmt.Sprintf("amount %d exceeds per-transaction cap of %d", intent.Amount, *pol.PerTxnCap), nil)
	}

	// Step 4: submission rate limit, also pre-reserve.
	if e.Limiter != nil {
		allowed, err := e.Limiter.Allow(ctx, intent.AgentID)
		if err != nil {
			metrics.RateLimitChecksTotal.WithLabelValues("error").Inc()
			return e.commit(ctx, intent, start, Rejected, ReasonInternalError,
				fmt.Sprintf("rate limiter unavailable: %v", err), nil)
		}
		if !allowed {
			metrics.RateLimitChecksTotal.WithLabelValues("denied").Inc()
			return e.commit(ctx, intent, start, Rejected, ReasonRateLimited,
				"submission rate limit exceeded for agent", nil)
		}
		metrics.RateLimitChecksTotal.WithLabelValues("allowed").Inc()
	}

	// Step 5: atomic budget reservation, the single commit point.
	ok, err := e.Budget.Reserve(ctx, intent.AgentID, intent.Amount, pol.DailyCap)
	if err != nil {
		metrics.BudgetChecksTotal.WithLabelValues("error").Inc()
		return e.commit(ctx, intent, start, Rejected, ReasonInternalError,
			fmt.Sprintf("budget ledger unavailable: %v", err), nil)
	}
	if !ok {
		metrics.BudgetChecksTotal.WithLabelValues("denied").Inc()
		return e.commit(ctx, intent, start, Rejected, ReasonLimitExceeded,
			fmt.Sprintf("daily budget exceeded: amount %d over cap %d", intent.Amount, pol.DailyCap), nil)
	}
	metrics.BudgetChecksTotal.WithLabelValues("reserved").Inc()

	// Every path below holds a reservation; rejections must roll back.
	reject := func(code ReasonCode, detail string, tags []string) (Result, error) {
		e.rollback(ctx, intent)
		return e.commit(ctx, intent, start, Rejected, code, detail, tags)
	}

	// Steps 6-7: vendor domain lists.
	if intent.VendorURL != "" {
		domain, derr := policy.RegisteredDomain(intent.VendorURL)
		if derr == nil && !pol.DomainAllowed(intent.VendorURL) {
			return reject(ReasonDomainBlocked,
				fmt.Sprintf("vendor domain %q refused by policy", domain), nil)
		}

		// Step 8: threat-intel reputation, fail-closed.
		verdict := e.Rep.Evaluate(ctx, intent.VendorURL)
		if !verdict.Safe {
			detail := "vendor URL flagged: " + strings.Join(verdict.ThreatTags, ", ")
			if verdict.Infra {
				detail = "reputation check unavailable, failing closed: " + strings.Join(verdict.ThreatTags, ", ")
			}
			return reject(ReasonRiskHigh, detail, verdict.ThreatTags)
		}
	}

	// Advisory enrichment: never flips the decision.
	var notes []string
	if e.Identity != nil && intent.VendorName != "" {
		id := e.Identity.Verify(ctx, intent.VendorName)
		if id.Verified {
			notes = append(notes, fmt.Sprintf("vendor verified as %q (LEI %s)", id.LegalName, id.LEI))
		} else if id.Err == "" {
			notes = append(notes, "vendor has no active LEI registration")
		}
	}
	if e.Anomaly != nil {
		sc := e.Anomaly.ScoreTransaction(ctx, intent.AgentID, intent.Amount, intent.ReceivedAt)
		if sc.Anomalous {
			notes = append(notes, fmt.Sprintf("anomaly risk %.2f over %d samples", sc.Risk, sc.Samples))
		}
	}

	// Step 9: human approval threshold. The reservation stays in place
	// while the intent is held.
	if pol.ApprovalThreshold != nil && intent.Amount >= *pol.ApprovalThreshold {
		detail := fmt.Sprintf("amount %d meets approval threshold of %d", intent.Amount, *pol.ApprovalThreshold)
		return e.commit(ctx, intent, start, Held, ReasonApprovalRequired, withNotes(detail, notes), nil)
	}

	// Step 10: approved.
	return e.commit(ctx, intent, start, Approved, ReasonPolicyOK,
		withNotes("all governance checks passed", notes), nil)
}

// commit writes the terminal audit record. On audit failure the
// reservation state is unwound so a retried intent can be re-decided,
// and the error surfaces to the ingress.
func (e *Engine) commit(ctx context.Context, intent Intent, start time.Time,
	decision Decision, code ReasonCode, detail string, tags []string) (Result, error) {

	res := Result{
		PayoutID:     intent.PayoutID,
		AgentID:      intent.AgentID,
		Amount:       intent.Amount,
		Decision:     decision,
		ReasonCode:   code,
		Detail:       detail,
		ThreatTags:   tags,
		ProcessingMS: time.Since(start).Milliseconds(),
	}

	rec := &audit.Record{
		PayoutID:     intent.PayoutID,
		AgentID:      intent.AgentID,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		VendorName:   intent.VendorName,
		VendorURL:    intent.VendorURL,
		Decision:     string(decision),
		ReasonCode:   string(code),
		ReasonDetail: detail,
		ThreatTags:   tags,
		ProcessingMS: res.ProcessingMS,
	}

	// The commit must survive the cycle deadline; a decision without an
	// audit record is worse than a slow one.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.Audit.Commit(commitCtx, rec); err != nil {
		if decision == Approved || decision == Held {
			e.rollback(commitCtx, intent)
		}
		if decision != Skipped {
			if rerr := e.Idem.Release(commitCtx, intent.PayoutID); rerr != nil {
				logging.L(ctx).Error("idempotency release failed after audit error",
					"payout_id", intent.PayoutID, "error", rerr)
			}
		}
		return Result{}, fmt.Errorf("audit commit for %s: %w", intent.PayoutID, err)
	}
	return res, nil
}

// postCommit executes the decision against the payment backend and fires
// held-intent notifications. Runs after the audit record is durable.
func (e *Engine) postCommit(ctx context.Context, intent Intent, res Result) {
	switch res.Decision {
	case Approved:
		if e.Payments == nil {
			return
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
		defer cancel()
		if err := e.Payments.Approve(actx, intent.PayoutID); err != nil {
			e.compensate(actx, intent, err)
		}
	case Rejected:
		if e.Payments == nil {
			return
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
		defer cancel()
		if err := e.Payments.Cancel(actx, intent.PayoutID, res.Detail); err != nil {
			logging.L(ctx).Error("payout cancel failed",
				"payout_id", intent.PayoutID, "error", err)
		}
	case Held:
		if e.Notify == nil {
			return
		}
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
		defer cancel()
		if err := e.Notify.Notify(nctx, intent, res); err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Error("held notification failed",
				"payout_id", intent.PayoutID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
}

// compensate unwinds an APPROVED decision whose backend approval failed:
// the reservation is released and a compensating audit entry makes the
// divergence explicit. The original APPROVED record is never rewritten.
func (e *Engine) compensate(ctx context.Context, intent Intent, cause error) {
	logging.L(ctx).Error("payout approve failed after commit, compensating",
		"payout_id", intent.PayoutID, "error", cause)
	metrics.CompensationsTotal.Inc()

	e.rollback(ctx, intent)

	rec := &audit.Record{
		PayoutID:     intent.PayoutID + ":compensation",
		AgentID:      intent.AgentID,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		VendorName:   intent.VendorName,
		VendorURL:    intent.VendorURL,
		Decision:     string(Rejected),
		ReasonCode:   string(ReasonInternalError),
		ReasonDetail: fmt.Sprintf("payment backend approval failed: %v; reservation rolled back", cause),
	}
	if err := e.Audit.Commit(ctx, rec); err != nil {
		logging.L(ctx).Error("compensating audit entry failed",
			"payout_id", intent.PayoutID, "error", err)
	}
}

func (e *Engine) rollback(ctx context.Context, intent Intent) {
	if err := e.Budget.Rollback(ctx, intent.AgentID, intent.Amount); err != nil {
		logging.L(ctx).Error("budget rollback failed",
			"payout_id", intent.PayoutID,
			"agent_id", intent.AgentID,
			"amount", intent.Amount,
			"error", err)
	}
}

func withNotes(detail string, notes []string) string {
	if len(notes) == 0 {
		return detail
	}
	return detail + " (" + strings.Join(notes, "; ") + ")"
}
