package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/payguard/payguard/internal/circuitbreaker"
)

const issuedRecord = `{
	"data": [{
		"attributes": {
			"lei": "335800A1234567890123",
			"entity": {
				"legalName": {"name": "Acme Supplies Private Limited"},
				"jurisdiction": "IN",
				"status": "ACTIVE"
			},
			"registration": {"status": "ISSUED"}
		}
	}]
}`

func newTestBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.New(3, time.Minute)
}

func TestVerifyActiveEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Acme Supplies", r.URL.Query().Get("filter[entity.legalName]"))
		_, _ = w.Write([]byte(issuedRecord))
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, nil, newTestBreaker())
	res := v.Verify(context.Background(), "Acme Supplies")

	assert.True(t, res.Verified)
	assert.Equal(t, "335800A1234567890123", res.LEI)
	assert.Equal(t, "Acme Supplies Private Limited", res.LegalName)
	assert.Equal(t, "IN", res.Jurisdiction)
	assert.Empty(t, res.Err)
}

func TestVerifyLapsedEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": [{
				"attributes": {
					"lei": "LEI1",
					"entity": {"legalName": {"name": "Ghost Corp"}, "jurisdiction": "US", "status": "INACTIVE"},
					"registration": {"status": "LAPSED"}
				}
			}]
		}`))
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, nil, newTestBreaker())
	res := v.Verify(context.Background(), "Ghost Corp")

	assert.False(t, res.Verified)
	assert.Equal(t, "Ghost Corp", res.LegalName, "best match still reported")
}

func TestVerifyNoMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, nil, newTestBreaker())
	res := v.Verify(context.Background(), "Nobody Inc")

	assert.False(t, res.Verified)
	assert.Empty(t, res.Err)
}

func TestVerifyFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, nil, newTestBreaker())
	res := v.Verify(context.Background(), "Acme Supplies")

	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Err)
}

func TestVerifyEmptyName(t *testing.T) {
	v := NewVerifier("http://unused", nil, newTestBreaker())
	res := v.Verify(context.Background(), "   ")
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Err)
}
