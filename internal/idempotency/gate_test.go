package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payguard/payguard/internal/testutil"
)

func TestClaimOnce(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()

	ctx := context.Background()
	gate := NewGate(rdb)
	id := testutil.UniqueID("pout")
	defer rdb.Del(ctx, key(id))

	won, err := gate.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = gate.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestClaimEmptyID(t *testing.T) {
	gate := NewGate(nil)
	_, err := gate.Claim(context.Background(), "")
	assert.Error(t, err)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()

	ctx := context.Background()
	gate := NewGate(rdb)
	id := testutil.UniqueID("pout")
	defer rdb.Del(ctx, key(id))

	won, err := gate.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, gate.Release(ctx, id))

	won, err = gate.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, won)
}

// Concurrent claims of the same id: exactly one winner.
func TestClaimSingleWinner(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()

	ctx := context.Background()
	gate := NewGate(rdb)
	id := testutil.UniqueID("pout")
	defer rdb.Del(ctx, key(id))

	const workers = 20
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := gate.Claim(ctx, id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
