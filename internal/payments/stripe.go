package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Compile-time check that StripeBackend implements Actions.
var _ Actions = (*StripeBackend)(nil)

// StripeBackend adapts the Stripe payouts API to the Actions contract.
// Stripe has no queued-with-approval state: payouts in "pending" are listed
// for governance, an approval leaves them to process on their own schedule,
// and a rejection cancels them before the arrival date.
type StripeBackend struct {
	sc *client.API
}

// NewStripeBackend builds a backend bound to the given secret key.
func NewStripeBackend(apiKey string) *StripeBackend {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeBackend{sc: sc}
}

func (s *StripeBackend) ListQueued(ctx context.Context) ([]QueuedPayout, error) {
	params := &stripe.PayoutListParams{Status: stripe.String("pending")}
	params.Context = ctx

	var out []QueuedPayout
	iter := s.sc.Payouts.List(params)
	for iter.Next() {
		p := iter.Payout()
		out = append(out, QueuedPayout{
			ID:        p.ID,
			Amount:    p.Amount,
			Currency:  string(p.Currency),
			Status:    string(p.Status),
			Notes:     p.Metadata,
			CreatedAt: p.Created,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list pending payouts: %w", err)
	}
	return out, nil
}

// Approve is a no-op: Stripe processes pending payouts without an explicit
// release call, so a governance approval simply leaves the payout alone.
func (s *StripeBackend) Approve(ctx context.Context, payoutID string) error {
	return nil
}

func (s *StripeBackend) Cancel(ctx context.Context, payoutID, reason string) error {
	params := &stripe.PayoutParams{}
	params.Context = ctx
	params.AddMetadata("cancellation_reason", reason)
	if _, err := s.sc.Payouts.Cancel(payoutID, params); err != nil {
		return fmt.Errorf("cancel payout %s: %w", payoutID, err)
	}
	return nil
}
