// Package notify delivers human-in-the-loop alerts for held payouts.
// Delivery failures never alter a governance decision; the engine logs
// them and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/payguard/payguard/internal/governance"
)

// ErrNoTransport indicates that no notifier is configured.
var ErrNoTransport = errors.New("no notification transport configured")

// Multi fans a notification out to transports in order and succeeds when
// any one of them delivers. Used to back Slack with ntfy.
type Multi struct {
	transports []governance.Notifier
}

// NewMulti builds a fan-out notifier. Nil entries are skipped.
func NewMulti(transports ...governance.Notifier) *Multi {
	m := &Multi{}
	for _, t := range transports {
		if t != nil {
			m.transports = append(m.transports, t)
		}
	}
	return m
}

func (m *Multi) Notify(ctx context.Context, intent governance.Intent, res governance.Result) error {
	if len(m.transports) == 0 {
		return ErrNoTransport
	}
	var errs []error
	for _, t := range m.transports {
		if err := t.Notify(ctx, intent, res); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// summaryLine renders the one-line alert text shared by all transports.
func summaryLine(intent governance.Intent, res governance.Result) string {
	major := float64(intent.Amount) / 100
	switch res.Decision {
	case governance.Held:
		return fmt.Sprintf("Approval required: %.2f %s payout %s by %s", major, intent.Currency, intent.PayoutID, intent.AgentID)
	case governance.Rejected:
		return fmt.Sprintf("Payout rejected: %.2f %s payout %s by %s (%s)", major, intent.Currency, intent.PayoutID, intent.AgentID, res.ReasonCode)
	default:
		return fmt.Sprintf("Payout %s: %.2f %s by %s", res.Decision, major, intent.Currency, intent.AgentID)
	}
}
