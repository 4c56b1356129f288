// Package governance implements the payout decision pipeline: dedup,
// policy, budget reservation, domain and reputation checks, approval
// thresholds, and the audit commit that terminates every cycle.
//
// The engine depends only on the narrow capability interfaces declared
// here; wiring to Redis, Postgres, and the external APIs happens at
// process start.
package governance

import (
	"context"
	"time"

	"github.com/payguard/payguard/internal/anomaly"
	"github.com/payguard/payguard/internal/audit"
	"github.com/payguard/payguard/internal/identity"
	"github.com/payguard/payguard/internal/policy"
	"github.com/payguard/payguard/internal/reputation"
)

// Decision is the terminal governance outcome for one payout intent.
type Decision string

const (
	Approved Decision = "APPROVED"
	Rejected Decision = "REJECTED"
	Held     Decision = "HELD"
	Skipped  Decision = "SKIPPED"
)

// ReasonCode explains a Decision.
type ReasonCode string

const (
	ReasonPolicyOK         ReasonCode = "POLICY_OK"
	ReasonNoPolicy         ReasonCode = "NO_POLICY"
	ReasonLimitExceeded    ReasonCode = "LIMIT_EXCEEDED"
	ReasonTxnLimitExceeded ReasonCode = "TXN_LIMIT_EXCEEDED"
	ReasonRateLimited      ReasonCode = "RATE_LIMITED"
	ReasonDomainBlocked    ReasonCode = "DOMAIN_BLOCKED"
	ReasonRiskHigh         ReasonCode = "RISK_HIGH"
	ReasonApprovalRequired ReasonCode = "APPROVAL_REQUIRED"
	ReasonIdempotentSkip   ReasonCode = "IDEMPOTENT_SKIP"
	ReasonInvalidSignature ReasonCode = "INVALID_SIGNATURE"
	ReasonInternalError    ReasonCode = "INTERNAL_ERROR"
)

// Intent is one payout awaiting a decision. Immutable once constructed.
type Intent struct {
	PayoutID    string            `json:"payout_id"`
	AgentID     string            `json:"agent_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	VendorName  string            `json:"vendor_name,omitempty"`
	VendorURL   string            `json:"vendor_url,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// Result is the outcome returned to the ingress adapter. By the time a
// Result exists, exactly one audit record has been committed.
type Result struct {
	PayoutID     string     `json:"payout_id"`
	AgentID      string     `json:"agent_id"`
	Amount       int64      `json:"amount"`
	Decision     Decision   `json:"decision"`
	ReasonCode   ReasonCode `json:"reason_code"`
	Detail       string     `json:"detail,omitempty"`
	ThreatTags   []string   `json:"threat_tags,omitempty"`
	ProcessingMS int64      `json:"processing_ms"`
}

// BudgetLedger reserves and releases daily spend.
type BudgetLedger interface {
	Reserve(ctx context.Context, agentID string, amount, dailyCap int64) (bool, error)
	Rollback(ctx context.Context, agentID string, amount int64) error
}

// IdempotencyGate claims payout ids exactly once.
type IdempotencyGate interface {
	Claim(ctx context.Context, payoutID string) (bool, error)
	Release(ctx context.Context, payoutID string) error
}

// PolicySource fetches agent policies.
type PolicySource interface {
	Get(ctx context.Context, agentID string) (*policy.AgentPolicy, error)
}

// ReputationChecker evaluates vendor URLs, fail-closed.
type ReputationChecker interface {
	Evaluate(ctx context.Context, url string) reputation.Verdict
}

// IdentityVerifier looks up vendor legal entities, fail-open.
type IdentityVerifier interface {
	Verify(ctx context.Context, name string) identity.Result
}

// AnomalyScorer rates an intent against the agent's history, advisory.
type AnomalyScorer interface {
	ScoreTransaction(ctx context.Context, agentID string, amount int64, at time.Time) anomaly.Score
}

// AuditSink durably commits decision records.
type AuditSink interface {
	Commit(ctx context.Context, rec *audit.Record) error
}

// RateLimiter bounds intent submissions per agent.
type RateLimiter interface {
	Allow(ctx context.Context, agentID string) (bool, error)
}

// PaymentActions executes decisions against the payment backend.
type PaymentActions interface {
	Approve(ctx context.Context, payoutID string) error
	Cancel(ctx context.Context, payoutID, reason string) error
}

// Notifier alerts a human about a HELD intent.
type Notifier interface {
	Notify(ctx context.Context, intent Intent, res Result) error
}
