package ingress

import (
	"context"
	"time"

	"github.com/payguard/payguard/internal/governance"
	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/metrics"
	"github.com/payguard/payguard/internal/payments"
	"github.com/payguard/payguard/internal/retry"
)

const (
	minPollInterval = 5 * time.Second
	maxPollInterval = 300 * time.Second
	backoffBase     = 5 * time.Second
	backoffMax      = 120 * time.Second
)

// Poller pulls queued payouts from the payment backend on an interval and
// feeds them through the same pipeline as the webhook. The idempotency gate
// downstream makes push and pull safe to run together.
type Poller struct {
	backend  payments.Actions
	submit   Submitter
	inflight *InFlight
	interval time.Duration

	failures int

	stop chan struct{}
	done chan struct{}
}

// NewPoller builds a poller. interval is clamped to [5s, 300s].
func NewPoller(backend payments.Actions, submit Submitter, inflight *InFlight, interval time.Duration) *Poller {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	return &Poller{
		backend:  backend,
		submit:   submit,
		inflight: inflight,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	logging.L(ctx).Info("payout poller started", "interval", p.interval)
	go p.loop(ctx)
}

// Stop signals the loop and waits for the in-progress cycle to finish.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	for {
		if err := p.PollOnce(ctx); err != nil {
			p.failures++
			metrics.PollCyclesTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Error("poll cycle failed",
				"error", err, "consecutive_failures", p.failures)
		} else {
			p.failures = 0
			metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
		}

		delay := p.interval
		if p.failures > 0 {
			delay = retry.Jitter(retry.Backoff(p.failures, backoffBase, backoffMax))
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(delay):
		}
	}
}

// PollOnce lists queued payouts and submits each one. Individual intent
// failures are logged and do not abort the cycle; a listing failure does.
func (p *Poller) PollOnce(ctx context.Context) error {
	queued, err := p.backend.ListQueued(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, q := range queued {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		default:
		}

		intent, err := intentFromEntity(payoutEntity{
			ID:        q.ID,
			Amount:    q.Amount,
			Currency:  q.Currency,
			Status:    q.Status,
			Purpose:   q.Purpose,
			Notes:     q.Notes,
			CreatedAt: q.CreatedAt,
		}, now)
		if err != nil {
			logging.L(ctx).Warn("skipping malformed queued payout",
				"payout_id", q.ID, "error", err)
			continue
		}

		if !p.inflight.Acquire(ctx) {
			return ctx.Err()
		}
		res, err := p.submit.Evaluate(ctx, intent)
		p.inflight.Release()
		if err != nil {
			logging.L(ctx).Error("governance cycle failed for polled payout",
				"payout_id", q.ID, "error", err)
			continue
		}
		if res.Decision != governance.Skipped {
			logging.L(ctx).Info("polled payout decided",
				"payout_id", q.ID, "decision", res.Decision, "reason", res.ReasonCode)
		}
	}
	return nil
}
