package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payguard/payguard/internal/governance"
	"github.com/payguard/payguard/internal/payments"
)

type stubBackend struct {
	mu     sync.Mutex
	queued []payments.QueuedPayout
	err    error
	calls  int
}

func (s *stubBackend) ListQueued(ctx context.Context) ([]payments.QueuedPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.queued, nil
}

func (s *stubBackend) Approve(ctx context.Context, payoutID string) error { return nil }

func (s *stubBackend) Cancel(ctx context.Context, payoutID, reason string) error { return nil }

func TestPollOnceSubmitsQueuedPayouts(t *testing.T) {
	backend := &stubBackend{queued: []payments.QueuedPayout{
		{ID: "pout_1", Amount: 25000, Currency: "INR", Status: "queued",
			Notes: map[string]string{"agent_id": "agent-001", "vendor_url": "https://vendor.com"}},
		{ID: "pout_2", Amount: 5000, Currency: "INR", Status: "queued",
			Notes: map[string]string{"agent_id": "agent-002"}},
	}}
	submit := &stubSubmitter{result: governance.Result{Decision: governance.Approved}}
	p := NewPoller(backend, submit, NewInFlight(4), 30*time.Second)

	require.NoError(t, p.PollOnce(context.Background()))
	require.Len(t, submit.intents, 2)
	assert.Equal(t, "pout_1", submit.intents[0].PayoutID)
	assert.Equal(t, "https://vendor.com", submit.intents[0].VendorURL)
	assert.Equal(t, "agent-002", submit.intents[1].AgentID)
}

func TestPollOnceSkipsMalformedPayouts(t *testing.T) {
	backend := &stubBackend{queued: []payments.QueuedPayout{
		{ID: "pout_bad", Amount: 0, Currency: "INR", Status: "queued"},
		{ID: "pout_ok", Amount: 100, Currency: "INR", Status: "queued"},
	}}
	submit := &stubSubmitter{result: governance.Result{Decision: governance.Approved}}
	p := NewPoller(backend, submit, NewInFlight(4), 30*time.Second)

	require.NoError(t, p.PollOnce(context.Background()))
	require.Len(t, submit.intents, 1)
	assert.Equal(t, "pout_ok", submit.intents[0].PayoutID)
}

func TestPollOnceListFailurePropagates(t *testing.T) {
	backend := &stubBackend{err: errors.New("backend 503")}
	submit := &stubSubmitter{}
	p := NewPoller(backend, submit, NewInFlight(4), 30*time.Second)

	assert.Error(t, p.PollOnce(context.Background()))
	assert.Empty(t, submit.intents)
}

func TestPollerIntervalClamped(t *testing.T) {
	p := NewPoller(&stubBackend{}, &stubSubmitter{}, NewInFlight(1), time.Second)
	assert.Equal(t, minPollInterval, p.interval)

	p = NewPoller(&stubBackend{}, &stubSubmitter{}, NewInFlight(1), time.Hour)
	assert.Equal(t, maxPollInterval, p.interval)
}

func TestPollerStops(t *testing.T) {
	backend := &stubBackend{}
	p := NewPoller(backend, &stubSubmitter{}, NewInFlight(1), 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// The first cycle runs immediately; Stop must return even though the
	// next tick is 30 seconds away.
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.GreaterOrEqual(t, backend.calls, 1)
}