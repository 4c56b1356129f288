// Package ingress feeds payout intents into the governance engine, either
// pushed by the payment backend over a signed webhook or pulled from its
// queued-payout listing. Both paths share the same in-flight limit and the
// same idempotency gate downstream.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/payguard/payguard/internal/governance"
	"github.com/payguard/payguard/internal/validation"
)

// Submitter runs one governance cycle for an intent.
type Submitter interface {
	Evaluate(ctx context.Context, intent governance.Intent) (governance.Result, error)
}

// reservedNoteKeys are lifted into first-class intent fields; everything
// else in notes is carried through as annotations.
var reservedNoteKeys = map[string]bool{
	"agent_id":    true,
	"vendor_name": true,
	"vendor_url":  true,
}

// payoutEvent is the backend's push envelope. Only the fields the pipeline
// reads are modeled; unknown envelope fields are ignored.
type payoutEvent struct {
	Entity  string `json:"entity"`
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			Entity payoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

type payoutEntity struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Purpose   string            `json:"purpose"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

// VerifySignature checks a hex HMAC-SHA256 signature over body with a
// constant-time comparison.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 signature the backend would attach.
// Exported for tests and local tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseEvent decodes and validates a push body. It returns the event type
// and, for queued payouts, the normalized intent.
func parseEvent(body []byte, receivedAt time.Time) (string, governance.Intent, error) {
	var ev payoutEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", governance.Intent{}, fmt.Errorf("malformed event body: %w", err)
	}
	if ev.Event == "" {
		return "", governance.Intent{}, fmt.Errorf("event type is required")
	}
	if !strings.HasSuffix(ev.Event, ".queued") {
		return ev.Event, governance.Intent{}, nil
	}

	intent, err := intentFromEntity(ev.Payload.Payout.Entity, receivedAt)
	if err != nil {
		return ev.Event, governance.Intent{}, err
	}
	return ev.Event, intent, nil
}

// intentFromEntity validates a payout entity and lifts its notes into an
// intent. Shared by push parsing and pull conversion.
func intentFromEntity(p payoutEntity, receivedAt time.Time) (governance.Intent, error) {
	if p.ID == "" {
		return governance.Intent{}, fmt.Errorf("payout id is required")
	}
	if err := validation.ValidateAmount(p.Amount); err != nil {
		return governance.Intent{}, fmt.Errorf("payout %s: %w", p.ID, err)
	}
	if !validation.IsValidCurrency(p.Currency) {
		return governance.Intent{}, fmt.Errorf("payout %s: invalid currency %q", p.ID, p.Currency)
	}

	agentID := p.Notes["agent_id"]
	if agentID == "" {
		agentID = "unknown"
	}
	if !validation.IsValidAgentID(agentID) {
		return governance.Intent{}, fmt.Errorf("payout %s: malformed agent id", p.ID)
	}

	annotations := make(map[string]string)
	for k, v := range p.Notes {
		if !reservedNoteKeys[k] {
			annotations[k] = v
		}
	}
	if p.Purpose != "" {
		annotations["purpose"] = p.Purpose
	}

	return governance.Intent{
		PayoutID:    p.ID,
		AgentID:     agentID,
		Amount:      p.Amount,
		Currency:    strings.ToUpper(p.Currency),
		VendorName:  validation.SanitizeString(p.Notes["vendor_name"], 256),
		VendorURL:   strings.TrimSpace(p.Notes["vendor_url"]),
		Annotations: annotations,
		ReceivedAt:  receivedAt,
	}, nil
}
