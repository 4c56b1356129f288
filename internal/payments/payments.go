// Package payments talks to the payout backend. The governance engine never
// moves money itself: it approves or cancels payouts the backend already
// holds in a queued state.
package payments

import (
	"context"
	"errors"
)

// ErrNotFound indicates the backend does not know the payout id.
var ErrNotFound = errors.New("payout not found")

// QueuedPayout is a payout awaiting a governance decision, as reported by
// the backend's list API. Amounts are integer minor units.
type QueuedPayout struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Purpose   string            `json:"purpose,omitempty"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

// Actions is the backend contract consumed by ingress and the engine.
// Approve and Cancel are terminal per payout; the backend enforces its own
// state machine and rejects repeats with a 4xx.
type Actions interface {
	ListQueued(ctx context.Context) ([]QueuedPayout, error)
	Approve(ctx context.Context, payoutID string) error
	Cancel(ctx context.Context, payoutID, reason string) error
}
