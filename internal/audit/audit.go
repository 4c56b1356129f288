// Package audit persists the immutable decision trace. Every terminal
// governance decision produces exactly one record, written to Postgres or,
// when the primary is unavailable, to a local append-only fallback file.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/payguard/payguard/internal/pagination"
)

var ErrNotFound = errors.New("audit record not found")

// Record is one committed governance decision. Immutable once written.
type Record struct {
	ID           string    `json:"id"`
	PayoutID     string    `json:"payout_id"`
	AgentID      string    `json:"agent_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	VendorName   string    `json:"vendor_name,omitempty"`
	VendorURL    string    `json:"vendor_url,omitempty"`
	Decision     string    `json:"decision"`
	ReasonCode   string    `json:"reason_code"`
	ReasonDetail string    `json:"reason_detail,omitempty"`
	ThreatTags   []string  `json:"threat_tags,omitempty"`
	ProcessingMS int64     `json:"processing_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	AgentID  string
	Decision string
	PayoutID string
	Since    time.Time
	Until    time.Time
	Limit    int

	// Cursor resumes a paginated scan strictly after the given
	// (created_at, id) position in newest-first order.
	Cursor *pagination.Cursor
}

// Store persists audit records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Query(ctx context.Context, f Filter) ([]*Record, error)
}
