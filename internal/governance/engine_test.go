package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payguard/payguard/internal/anomaly"
	"github.com/payguard/payguard/internal/audit"
	"github.com/payguard/payguard/internal/identity"
	"github.com/payguard/payguard/internal/policy"
	"github.com/payguard/payguard/internal/reputation"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu       sync.Mutex
	counters map[string]int64
	failWith error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counters: make(map[string]int64)}
}

func (f *fakeLedger) Reserve(ctx context.Context, agentID string, amount, dailyCap int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if f.counters[agentID]+amount > dailyCap {
		return false, nil
	}
	f.counters[agentID] += amount
	return true, nil
}

func (f *fakeLedger) Rollback(ctx context.Context, agentID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[agentID] -= amount
	if f.counters[agentID] < 0 {
		f.counters[agentID] = 0
	}
	return nil
}

func (f *fakeLedger) current(agentID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[agentID]
}

type fakeGate struct {
	mu       sync.Mutex
	seen     map[string]bool
	failWith error
}

func newFakeGate() *fakeGate {
	return &fakeGate{seen: make(map[string]bool)}
}

func (f *fakeGate) Claim(ctx context.Context, payoutID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if f.seen[payoutID] {
		return false, nil
	}
	f.seen[payoutID] = true
	return true, nil
}

func (f *fakeGate) Release(ctx context.Context, payoutID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, payoutID)
	return nil
}

type fakeReputation struct {
	verdicts map[string]reputation.Verdict
}

func (f *fakeReputation) Evaluate(ctx context.Context, url string) reputation.Verdict {
	if v, ok := f.verdicts[url]; ok {
		return v
	}
	return reputation.Verdict{URL: url, Safe: true}
}

type recordingSink struct {
	mu       sync.Mutex
	records  []*audit.Record
	failWith error
}

func (r *recordingSink) Commit(ctx context.Context, rec *audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func (r *recordingSink) last() *audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil
	}
	return r.records[len(r.records)-1]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakePayments struct {
	mu         sync.Mutex
	approved   []string
	cancelled  []string
	approveErr error
}

func (f *fakePayments) Approve(ctx context.Context, payoutID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, payoutID)
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, payoutID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, payoutID)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	held    []string
	failErr error
}

func (f *fakeNotifier) Notify(ctx context.Context, intent Intent, res Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.held = append(f.held, intent.PayoutID)
	return nil
}

type fakeIdentity struct {
	result identity.Result
}

func (f *fakeIdentity) Verify(ctx context.Context, name string) identity.Result {
	return f.result
}

type fakeAnomaly struct {
	score anomaly.Score
}

func (f *fakeAnomaly) ScoreTransaction(ctx context.Context, agentID string, amount int64, at time.Time) anomaly.Score {
	return f.score
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	engine   *Engine
	ledger   *fakeLedger
	gate     *fakeGate
	policies *policy.MemoryStore
	rep      *fakeReputation
	sink     *recordingSink
	payments *fakePayments
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		ledger:   newFakeLedger(),
		gate:     newFakeGate(),
		policies: policy.NewMemoryStore(),
		rep:      &fakeReputation{verdicts: make(map[string]reputation.Verdict)},
		sink:     &recordingSink{},
		payments: &fakePayments{},
		notifier: &fakeNotifier{},
	}
	h.engine = &Engine{
		Budget:   h.ledger,
		Idem:     h.gate,
		Policies: h.policies,
		Rep:      h.rep,
		Audit:    h.sink,
		Payments: h.payments,
		Notify:   h.notifier,
	}
	return h
}

func int64Ptr(v int64) *int64 { return &v }

// standardPolicy mirrors daily=500000, per_txn=100000, approval=50000.
func (h *harness) standardPolicy(t *testing.T, agentID string) {
	t.Helper()
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:           agentID,
		DailyCap:          500000,
		PerTxnCap:         int64Ptr(100000),
		ApprovalThreshold: int64Ptr(50000),
	}))
}

func intent(payoutID, agentID string, amount int64, vendorURL string) Intent {
	return Intent{
		PayoutID:   payoutID,
		AgentID:    agentID,
		Amount:     amount,
		Currency:   "INR",
		VendorURL:  vendorURL,
		ReceivedAt: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Decision matrix scenarios
// ---------------------------------------------------------------------------

func TestApprovedWithinLimits(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_1", "agent-001", 25000, "https://safe.example"))
	require.NoError(t, err)

	assert.Equal(t, Approved, res.Decision)
	assert.Equal(t, ReasonPolicyOK, res.ReasonCode)
	assert.Equal(t, int64(25000), h.ledger.current("agent-001"))
	assert.Equal(t, []string{"pout_1"}, h.payments.approved)

	rec := h.sink.last()
	require.NotNil(t, rec)
	assert.Equal(t, "APPROVED", rec.Decision)
	assert.Equal(t, "POLICY_OK", rec.ReasonCode)
}

func TestRejectedDailyLimit(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.ledger.counters["agent-001"] = 450000

	res, err := h.engine.Evaluate(context.Background(), intent("pout_2", "agent-001", 75000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonLimitExceeded, res.ReasonCode)
	assert.Equal(t, int64(450000), h.ledger.current("agent-001"), "counter unchanged on denied reserve")
	assert.Equal(t, []string{"pout_2"}, h.payments.cancelled)
}

func TestRejectedPerTxnCap(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_3", "agent-001", 120000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonTxnLimitExceeded, res.ReasonCode)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"), "no reservation is ever made")
}

func TestRejectedUnsafeVendor(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.rep.verdicts["https://evil.example"] = reputation.Verdict{
		URL: "https://evil.example", Safe: false, ThreatTags: []string{"MALWARE"},
	}

	res, err := h.engine.Evaluate(context.Background(), intent("pout_4", "agent-001", 30000, "https://evil.example"))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonRiskHigh, res.ReasonCode)
	assert.Equal(t, []string{"MALWARE"}, res.ThreatTags)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"), "reservation rolled back")

	rec := h.sink.last()
	require.NotNil(t, rec)
	assert.Equal(t, []string{"MALWARE"}, rec.ThreatTags)
}

func TestHeldAboveThreshold(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_5", "agent-001", 60000, "https://safe.example"))
	require.NoError(t, err)

	assert.Equal(t, Held, res.Decision)
	assert.Equal(t, ReasonApprovalRequired, res.ReasonCode)
	assert.Equal(t, int64(60000), h.ledger.current("agent-001"), "reservation stays while held")
	assert.Equal(t, []string{"pout_5"}, h.notifier.held)
	assert.Empty(t, h.payments.approved)
}

func TestSkippedOnReplay(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")

	first, err := h.engine.Evaluate(context.Background(), intent("pout_6", "agent-001", 25000, ""))
	require.NoError(t, err)
	require.Equal(t, Approved, first.Decision)

	replay, err := h.engine.Evaluate(context.Background(), intent("pout_6", "agent-001", 25000, ""))
	require.NoError(t, err)

	assert.Equal(t, Skipped, replay.Decision)
	assert.Equal(t, ReasonIdempotentSkip, replay.ReasonCode)
	assert.Equal(t, int64(25000), h.ledger.current("agent-001"), "counter unchanged on replay")

	rec := h.sink.last()
	require.NotNil(t, rec)
	assert.Equal(t, "SKIPPED", rec.Decision, "replay still audited")
	assert.Equal(t, 2, h.sink.count())
}

func TestRejectedNoPolicy(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Evaluate(context.Background(), intent("pout_7", "ghost-agent", 1000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonNoPolicy, res.ReasonCode)
}

// wrappingPolicySource wraps store errors the way the Postgres store does.
type wrappingPolicySource struct {
	store *policy.MemoryStore
}

func (w *wrappingPolicySource) Get(ctx context.Context, agentID string) (*policy.AgentPolicy, error) {
	p, err := w.store.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get policy for %s: %w", agentID, err)
	}
	return p, nil
}

func TestRejectedNoPolicyWithWrappedSentinel(t *testing.T) {
	h := newHarness(t)
	h.engine.Policies = &wrappingPolicySource{store: h.policies}

	res, err := h.engine.Evaluate(context.Background(), intent("pout_7w", "ghost-agent", 1000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonNoPolicy, res.ReasonCode)
}

func TestRejectedBlockedDomain(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:        "agent-001",
		DailyCap:       500000,
		BlockedDomains: []string{"evil.example"},
	}))

	res, err := h.engine.Evaluate(context.Background(), intent("pout_8", "agent-001", 1000, "https://pay.evil.example/x"))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonDomainBlocked, res.ReasonCode)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"), "rolled back after reserve")
}

func TestRejectedOutsideAllowlist(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:        "agent-001",
		DailyCap:       500000,
		AllowedDomains: []string{"vendor.com"},
	}))

	res, err := h.engine.Evaluate(context.Background(), intent("pout_9", "agent-001", 1000, "https://other.example"))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonDomainBlocked, res.ReasonCode)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"))
}

// ---------------------------------------------------------------------------
// Boundary rules
// ---------------------------------------------------------------------------

func TestAmountEqualToPerTxnCapApproved(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:   "agent-001",
		DailyCap:  500000,
		PerTxnCap: int64Ptr(100000),
	}))

	res, err := h.engine.Evaluate(context.Background(), intent("pout_b1", "agent-001", 100000, ""))
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Decision)
}

func TestAmountEqualToThresholdHeld(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_b2", "agent-001", 50000, ""))
	require.NoError(t, err)
	assert.Equal(t, Held, res.Decision, "threshold comparison is inclusive")
}

func TestAmountExactlyFillsDailyCap(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:  "agent-001",
		DailyCap: 500000,
	}))
	h.ledger.counters["agent-001"] = 400000

	res, err := h.engine.Evaluate(context.Background(), intent("pout_b3", "agent-001", 100000, ""))
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Decision)
	assert.Equal(t, int64(500000), h.ledger.current("agent-001"))
}

// ---------------------------------------------------------------------------
// Failure semantics
// ---------------------------------------------------------------------------

func TestClaimErrorFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.gate.failWith = errors.New("redis down")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_f1", "agent-001", 1000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonInternalError, res.ReasonCode)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"))
}

func TestReserveErrorFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.ledger.failWith = errors.New("redis down")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_f2", "agent-001", 1000, ""))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonInternalError, res.ReasonCode)
}

func TestReputationInfraFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.rep.verdicts["https://vendor.com"] = reputation.Verdict{
		URL: "https://vendor.com", Safe: false,
		ThreatTags: []string{reputation.TagInfraUnavailable}, Infra: true,
	}

	res, err := h.engine.Evaluate(context.Background(), intent("pout_f3", "agent-001", 1000, "https://vendor.com"))
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonRiskHigh, res.ReasonCode)
	assert.Equal(t, []string{reputation.TagInfraUnavailable}, res.ThreatTags)
	assert.Equal(t, int64(0), h.ledger.current("agent-001"))
}

func TestAuditFailureSurfacesAndUnwinds(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.sink.failWith = errors.New("postgres and disk both down")

	_, err := h.engine.Evaluate(context.Background(), intent("pout_f4", "agent-001", 1000, ""))
	require.Error(t, err)

	assert.Equal(t, int64(0), h.ledger.current("agent-001"), "reservation released")

	// The claim was released too, so a retry can decide for real.
	h.sink.failWith = nil
	res, err := h.engine.Evaluate(context.Background(), intent("pout_f4", "agent-001", 1000, ""))
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Decision)
}

func TestApproveFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.payments.approveErr = errors.New("backend 502")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_f5", "agent-001", 25000, ""))
	require.NoError(t, err)

	assert.Equal(t, Approved, res.Decision, "committed decision is not rewritten")
	assert.Equal(t, int64(0), h.ledger.current("agent-001"), "compensating rollback")

	rec := h.sink.last()
	require.NotNil(t, rec)
	assert.Equal(t, "pout_f5:compensation", rec.PayoutID)
	assert.Equal(t, "INTERNAL_ERROR", rec.ReasonCode)
	assert.Equal(t, 2, h.sink.count(), "approved record plus compensating entry")
}

func TestNotifyFailureKeepsHeldDecision(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.notifier.failErr = errors.New("slack down")

	res, err := h.engine.Evaluate(context.Background(), intent("pout_f6", "agent-001", 60000, ""))
	require.NoError(t, err)

	assert.Equal(t, Held, res.Decision)
	assert.Equal(t, int64(60000), h.ledger.current("agent-001"), "reservation survives notify failure")
}

func TestRateLimitRejects(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.engine.Limiter = allowN(1)

	res, err := h.engine.Evaluate(context.Background(), intent("pout_r1", "agent-001", 1000, ""))
	require.NoError(t, err)
	require.Equal(t, Approved, res.Decision)

	res, err = h.engine.Evaluate(context.Background(), intent("pout_r2", "agent-001", 1000, ""))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonRateLimited, res.ReasonCode)
	assert.Equal(t, int64(1000), h.ledger.current("agent-001"), "rate limit is checked before reserve")
}

type countingLimiter struct {
	mu   sync.Mutex
	left int
}

func allowN(n int) *countingLimiter { return &countingLimiter{left: n} }

func (c *countingLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left <= 0 {
		return false, nil
	}
	c.left--
	return true, nil
}

// ---------------------------------------------------------------------------
// Advisory collaborators
// ---------------------------------------------------------------------------

func TestAdvisoryChecksNeverBlock(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.engine.Identity = &fakeIdentity{result: identity.Result{Err: "gleif down"}}
	h.engine.Anomaly = &fakeAnomaly{score: anomaly.Score{Risk: 0.99, Anomalous: true, Trained: true, Samples: 100}}

	in := intent("pout_a1", "agent-001", 25000, "https://safe.example")
	in.VendorName = "Acme Supplies"
	res, err := h.engine.Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, Approved, res.Decision, "advisory signals never flip an approval")
	assert.Contains(t, res.Detail, "anomaly risk")
}

func TestVerifiedVendorAnnotated(t *testing.T) {
	h := newHarness(t)
	h.standardPolicy(t, "agent-001")
	h.engine.Identity = &fakeIdentity{result: identity.Result{
		Verified: true, LegalName: "Acme Supplies Pvt Ltd", LEI: "LEI123",
	}}

	in := intent("pout_a2", "agent-001", 25000, "")
	in.VendorName = "Acme Supplies"
	res, err := h.engine.Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, Approved, res.Decision)
	assert.Contains(t, res.Detail, "Acme Supplies Pvt Ltd")
}

// ---------------------------------------------------------------------------
// Concurrency property
// ---------------------------------------------------------------------------

// Twenty concurrent intents of 50000 against a 500000 cap: exactly ten
// approvals, and the counter equals the sum of approved amounts.
func TestConcurrentCyclesRespectCap(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.policies.Upsert(context.Background(), &policy.AgentPolicy{
		AgentID:  "agent-001",
		DailyCap: 500000,
	}))

	const workers = 20
	results := make(chan Decision, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := h.engine.Evaluate(context.Background(),
				intent(fmt.Sprintf("pout_c%d", n), "agent-001", 50000, ""))
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			results <- res.Decision
		}(i)
	}
	wg.Wait()
	close(results)

	var approved, rejected int
	for d := range results {
		switch d {
		case Approved:
			approved++
		case Rejected:
			rejected++
		}
	}
	assert.Equal(t, 10, approved)
	assert.Equal(t, 10, rejected)
	assert.Equal(t, int64(500000), h.ledger.current("agent-001"))
}
