package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	r := gin.New()
	NewHandler(NewSink(store, "")).RegisterRoutes(r.Group("/v1"))
	return r, store
}

type auditPage struct {
	Records    []*Record `json:"records"`
	Count      int       `json:"count"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

func getPage(t *testing.T, r *gin.Engine, path string) auditPage {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page auditPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	return page
}

func TestQueryAuditPaginates(t *testing.T) {
	r, store := setupAuditRouter(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := sampleRecord(fmt.Sprintf("pout_%d", i), "agent-1", "APPROVED")
		rec.ID = fmt.Sprintf("rec_%02d", i)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Insert(ctx, rec))
	}

	first := getPage(t, r, "/v1/audit?limit=2")
	require.Len(t, first.Records, 2)
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "pout_4", first.Records[0].PayoutID)
	assert.Equal(t, "pout_3", first.Records[1].PayoutID)

	second := getPage(t, r, "/v1/audit?limit=2&cursor="+first.NextCursor)
	require.Len(t, second.Records, 2)
	assert.Equal(t, "pout_2", second.Records[0].PayoutID)
	assert.Equal(t, "pout_1", second.Records[1].PayoutID)

	last := getPage(t, r, "/v1/audit?limit=2&cursor="+second.NextCursor)
	require.Len(t, last.Records, 1)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)
	assert.Equal(t, "pout_0", last.Records[0].PayoutID)
}

func TestQueryAuditRejectsBadCursor(t *testing.T) {
	r, _ := setupAuditRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/audit?cursor=%21%21not-base64", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryAuditFilters(t *testing.T) {
	r, store := setupAuditRouter(t)
	ctx := context.Background()

	a := sampleRecord("pout_a", "agent-a", "APPROVED")
	a.ID = "rec_a"
	b := sampleRecord("pout_b", "agent-b", "REJECTED")
	b.ID = "rec_b"
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))

	page := getPage(t, r, "/v1/audit?agent_id=agent-b&decision=REJECTED")
	require.Len(t, page.Records, 1)
	assert.Equal(t, "pout_b", page.Records[0].PayoutID)
}
