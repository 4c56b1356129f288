// Package idempotency deduplicates payout intents by payout id so that
// webhook retries and poll/push overlap never produce a second decision.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// markTTL outlives the longest plausible retry window of the
	// payment backend.
	markTTL = 48 * time.Hour

	opTimeout = 250 * time.Millisecond
)

// Gate claims payout ids exactly once per retention window.
type Gate struct {
	rdb *redis.Client
}

// NewGate creates a gate on the given Redis client.
func NewGate(rdb *redis.Client) *Gate {
	return &Gate{rdb: rdb}
}

func key(payoutID string) string {
	return "idem:" + payoutID
}

// Claim atomically marks a payout id as in-process. Returns true if this
// caller won the claim, false if the id was already marked. A substrate
// error means the claim is unknown; callers must treat it as not-claimed
// and refuse the intent rather than risk double processing.
func (g *Gate) Claim(ctx context.Context, payoutID string) (bool, error) {
	if payoutID == "" {
		return false, fmt.Errorf("idempotency: empty payout id")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	won, err := g.rdb.SetNX(ctx, key(payoutID), time.Now().UTC().Format(time.RFC3339), markTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s: %w", payoutID, err)
	}
	return won, nil
}

// Release drops a claim so the intent may be re-presented. Used only when
// a cycle fails before any decision was committed.
func (g *Gate) Release(ctx context.Context, payoutID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := g.rdb.Del(ctx, key(payoutID)).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", payoutID, err)
	}
	return nil
}
