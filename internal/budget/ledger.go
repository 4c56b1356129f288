// Package budget implements the atomic per-agent daily spend ledger.
//
// Every reservation is a single server-side script execution so that the
// check-against-cap and the increment cannot interleave across concurrent
// callers. Counters are day-bounded in UTC and expire 25 hours after the
// first write of the day.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// counterTTL keeps a day's counter alive slightly past midnight so
	// in-flight cycles spanning the rollover still see it.
	counterTTL = 25 * time.Hour

	// opTimeout bounds each round-trip to the substrate.
	opTimeout = 250 * time.Millisecond
)

// reserveScript checks the running total against the cap and increments in
// one indivisible step. Returns {1, updated} on success, {0, current} when
// the reservation would exceed the cap. The expiry is attached only on the
// first write of the day.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if current + amount > cap then
    return {0, current}
end
local updated = redis.call("INCRBY", KEYS[1], amount)
if updated == amount then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
end
return {1, updated}
`)

// rollbackScript decrements by the rolled-back amount, clamping at zero so
// the counter never goes negative even if a rollback races the day expiry.
var rollbackScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if amount >= current then
    redis.call("SET", KEYS[1], 0, "KEEPTTL")
    return 0
end
return redis.call("DECRBY", KEYS[1], amount)
`)

// Status is the advisory budget view exposed to external queries.
type Status struct {
	AgentID   string `json:"agent_id"`
	Cap       int64  `json:"cap"`
	Spent     int64  `json:"spent"`
	Remaining int64  `json:"remaining"`
	Day       string `json:"day"`
}

// Ledger tracks reserved spend per (agent, UTC day).
type Ledger struct {
	rdb *redis.Client

	// now is swappable for day-rollover tests.
	now func() time.Time
}

// NewLedger creates a ledger on the given Redis client.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

// Key returns the day-bounded counter key for an agent.
func Key(agentID string, now time.Time) string {
	return fmt.Sprintf("budget:%s:%s", agentID, now.UTC().Format("20060102"))
}

// Reserve atomically reserves amount against the agent's daily cap.
// Returns false when the reservation would exceed the cap. A substrate
// error is returned as-is; callers must treat it as a denial.
func (l *Ledger) Reserve(ctx context.Context, agentID string, amount, dailyCap int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("budget: reserve amount must be positive, got %d", amount)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := Key(agentID, l.now())
	res, err := reserveScript.Run(ctx, l.rdb, []string{key},
		amount, dailyCap, int(counterTTL.Seconds())).Slice()
	if err != nil {
		return false, fmt.Errorf("budget: reserve %s: %w", agentID, err)
	}
	ok, _ := res[0].(int64)
	return ok == 1, nil
}

// Rollback releases a previously reserved amount. Only the cycle that made
// the reservation may roll it back, and only with the same amount.
func (l *Ledger) Rollback(ctx context.Context, agentID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("budget: rollback amount must be positive, got %d", amount)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := Key(agentID, l.now())
	if err := rollbackScript.Run(ctx, l.rdb, []string{key}, amount).Err(); err != nil {
		return fmt.Errorf("budget: rollback %s: %w", agentID, err)
	}
	return nil
}

// Current returns the reserved total for the agent's current UTC day,
// zero if no counter exists.
func (l *Ledger) Current(ctx context.Context, agentID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := Key(agentID, l.now())
	val, err := l.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read %s: %w", agentID, err)
	}
	return val, nil
}

// StatusFor combines the current counter with the agent's cap into the
// advisory view served by the admin surface.
func (l *Ledger) StatusFor(ctx context.Context, agentID string, dailyCap int64) (Status, error) {
	spent, err := l.Current(ctx, agentID)
	if err != nil {
		return Status{}, err
	}
	remaining := dailyCap - spent
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		AgentID:   agentID,
		Cap:       dailyCap,
		Spent:     spent,
		Remaining: remaining,
		Day:       l.now().UTC().Format("2006-01-02"),
	}, nil
}
