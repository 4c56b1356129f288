package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(payoutID, agentID, decision string) *Record {
	return &Record{
		PayoutID:     payoutID,
		AgentID:      agentID,
		Amount:       25000,
		Currency:     "INR",
		VendorName:   "Acme Supplies",
		VendorURL:    "https://acme.example/invoices/42",
		Decision:     decision,
		ReasonCode:   "POLICY_OK",
		ProcessingMS: 12,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryStoreInsertQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, sampleRecord("pout_1", "agent-a", "APPROVED")))
	require.NoError(t, store.Insert(ctx, sampleRecord("pout_2", "agent-b", "REJECTED")))
	require.NoError(t, store.Insert(ctx, sampleRecord("pout_3", "agent-a", "HELD")))

	all, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "pout_3", all[0].PayoutID, "newest first")

	byAgent, err := store.Query(ctx, Filter{AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byDecision, err := store.Query(ctx, Filter{Decision: "REJECTED"})
	require.NoError(t, err)
	require.Len(t, byDecision, 1)
	assert.Equal(t, "pout_2", byDecision[0].PayoutID)

	limited, err := store.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStoreTimeFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := sampleRecord("pout_old", "agent-a", "APPROVED")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, sampleRecord("pout_new", "agent-a", "APPROVED")))

	recent, err := store.Query(ctx, Filter{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "pout_new", recent[0].PayoutID)
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := sampleRecord("pout_1", "agent-a", "APPROVED")
	rec.ThreatTags = []string{"MALWARE"}
	require.NoError(t, store.Insert(ctx, rec))
	rec.ThreatTags[0] = "mutated"

	got, err := store.Query(ctx, Filter{PayoutID: "pout_1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"MALWARE"}, got[0].ThreatTags)
}
