package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore always errors on Insert.
type failingStore struct{}

func (failingStore) Insert(ctx context.Context, rec *Record) error {
	return errors.New("primary down")
}

func (failingStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	return nil, errors.New("primary down")
}

func TestCommitPrimary(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store, t.TempDir())

	rec := sampleRecord("pout_1", "agent-a", "APPROVED")
	rec.ID = ""
	rec.CreatedAt = time.Time{}
	require.NoError(t, sink.Commit(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := sink.Query(context.Background(), Filter{PayoutID: "pout_1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCommitSpillsToFallback(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(failingStore{}, dir)

	rec := sampleRecord("pout_42", "agent-a", "REJECTED")
	require.NoError(t, sink.Commit(context.Background(), rec))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "pout_42_")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "pout_42", got.PayoutID)
	assert.Equal(t, "REJECTED", got.Decision)
}

func TestCommitFallbackNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(failingStore{}, dir)

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Commit(context.Background(), sampleRecord("pout_x", "agent-a", "REJECTED")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestCommitBothBackendsFail(t *testing.T) {
	// Unwritable fallback: a path under a file, not a directory.
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	sink := NewSink(failingStore{}, filepath.Join(blocker, "spill"))
	err := sink.Commit(context.Background(), sampleRecord("pout_1", "agent-a", "REJECTED"))
	assert.Error(t, err)
}

func TestCommitSanitizesPayoutID(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(failingStore{}, dir)

	rec := sampleRecord("../../etc/passwd", "agent-a", "REJECTED")
	require.NoError(t, sink.Commit(context.Background(), rec))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
}
