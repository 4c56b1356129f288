// Package ratelimit caps how many payout intents an agent may submit per
// sliding window, independent of monetary budgets.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 250 * time.Millisecond

// slideScript trims expired entries, counts the window, and admits the
// request in one atomic step. Returns {1, count} if admitted, {0, count}
// if the window is full.
var slideScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= max then
    return {0, count}
end
redis.call("ZADD", key, now, member)
redis.call("EXPIRE", key, window)
return {1, count + 1}
`)

// Limiter is a per-agent sliding-window admission counter.
type Limiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration

	now func() time.Time
}

// NewLimiter creates a limiter admitting at most max intents per agent
// per window.
func NewLimiter(rdb *redis.Client, max int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, max: max, window: window, now: time.Now}
}

func key(agentID string) string {
	return "ratelimit:" + agentID
}

// Allow records one submission attempt for the agent and reports whether
// it fits in the window. A substrate error is returned as-is; callers must
// treat it as a denial.
func (l *Limiter) Allow(ctx context.Context, agentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := l.now()
	member := fmt.Sprintf("%d", now.UnixNano())
	res, err := slideScript.Run(ctx, l.rdb, []string{key(agentID)},
		now.Unix(), int(l.window.Seconds()), l.max, member).Slice()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %s: %w", agentID, err)
	}
	ok, _ := res[0].(int64)
	return ok == 1, nil
}
