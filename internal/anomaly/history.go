package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// maxHistory bounds the per-agent sample list.
	maxHistory = 1000

	// historyTTL expires idle agents' histories after a week.
	historyTTL = 7 * 24 * time.Hour

	opTimeout = 250 * time.Millisecond
)

func historyKey(agentID string) string {
	return "anomaly:" + agentID
}

// RedisHistory keeps feature history in a capped Redis list, newest first.
type RedisHistory struct {
	rdb *redis.Client
}

// NewRedisHistory creates a Redis-backed history store.
func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb}
}

func (r *RedisHistory) Append(ctx context.Context, agentID string, rec featureRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("anomaly: marshal sample: %w", err)
	}

	key := historyKey(agentID)
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxHistory-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("anomaly: append sample: %w", err)
	}
	return nil
}

func (r *RedisHistory) Recent(ctx context.Context, agentID string, n int) ([]featureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if n <= 0 || n > maxHistory {
		n = maxHistory
	}
	raw, err := r.rdb.LRange(ctx, historyKey(agentID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("anomaly: read history: %w", err)
	}

	records := make([]featureRecord, 0, len(raw))
	for _, item := range raw {
		var rec featureRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MemoryHistory is an in-memory history store for demo/development mode.
type MemoryHistory struct {
	mu      sync.RWMutex
	records map[string][]featureRecord
}

// NewMemoryHistory creates an in-memory history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make(map[string][]featureRecord)}
}

func (m *MemoryHistory) Append(ctx context.Context, agentID string, rec featureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]featureRecord{rec}, m.records[agentID]...)
	if len(list) > maxHistory {
		list = list[:maxHistory]
	}
	m.records[agentID] = list
	return nil
}

func (m *MemoryHistory) Recent(ctx context.Context, agentID string, n int) ([]featureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.records[agentID]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]featureRecord, n)
	copy(out, list[:n])
	return out, nil
}
