// Package identity enriches decisions with legal-entity verification from
// the GLEIF API (https://api.gleif.org).
//
// Verification is advisory: a failure, timeout, or negative result never
// blocks a payout, it only annotates the audit trail. The client fails
// open, the opposite of the reputation evaluator.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payguard/payguard/internal/circuitbreaker"
	"github.com/payguard/payguard/internal/logging"
)

const (
	breakerKey = "gleif"

	requestTimeout = 2 * time.Second

	// Legal-entity data is stable; cache lookups for an hour.
	cacheTTL = time.Hour
)

// Result is the advisory outcome of an entity lookup. Verified means at
// least one ACTIVE entity with an ISSUED registration matched.
type Result struct {
	Query        string `json:"query"`
	Verified     bool   `json:"verified"`
	LEI          string `json:"lei,omitempty"`
	LegalName    string `json:"legal_name,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Status       string `json:"status,omitempty"`
	// Err carries the failure detail when the lookup could not complete.
	Err string `json:"error,omitempty"`
}

// Verifier queries GLEIF lei-records by legal name.
type Verifier struct {
	apiURL  string
	rdb     *redis.Client // nil disables caching
	breaker *circuitbreaker.Breaker
	client  *http.Client
}

// NewVerifier creates a verifier. rdb may be nil to disable caching.
func NewVerifier(apiURL string, rdb *redis.Client, breaker *circuitbreaker.Breaker) *Verifier {
	return &Verifier{
		apiURL:  apiURL,
		rdb:     rdb,
		breaker: breaker,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Verify looks up a vendor's legal name. Never returns an error: any
// failure yields an unverified Result with Err set.
func (v *Verifier) Verify(ctx context.Context, name string) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{Query: name, Err: "empty entity name"}
	}

	key := "gleif:name:" + strings.ToLower(name)
	if v.rdb != nil {
		if data, err := v.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached Result
			if json.Unmarshal(data, &cached) == nil {
				return cached
			}
		}
	}

	var result Result
	err := v.breaker.Do(ctx, breakerKey, func(ctx context.Context) error {
		r, err := v.search(ctx, name)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		logging.L(ctx).Warn("identity lookup failed open", "name", name, "error", err)
		return Result{Query: name, Err: err.Error()}
	}

	if v.rdb != nil {
		if data, err := json.Marshal(result); err == nil {
			_ = v.rdb.Set(ctx, key, data, cacheTTL).Err()
		}
	}
	return result
}

// leiRecords mirrors the slice of the GLEIF JSON:API response we read.
type leiRecords struct {
	Data []struct {
		Attributes struct {
			LEI    string `json:"lei"`
			Entity struct {
				LegalName struct {
					Name string `json:"name"`
				} `json:"legalName"`
				Jurisdiction string `json:"jurisdiction"`
				Status       string `json:"status"`
			} `json:"entity"`
			Registration struct {
				Status string `json:"status"`
			} `json:"registration"`
		} `json:"attributes"`
	} `json:"data"`
}

func (v *Verifier) search(ctx context.Context, name string) (Result, error) {
	endpoint := fmt.Sprintf("%s?filter[entity.legalName]=%s&page[size]=5",
		v.apiURL, url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build gleif request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("gleif request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("gleif status %d", resp.StatusCode)
	}

	var records leiRecords
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return Result{}, fmt.Errorf("decode gleif response: %w", err)
	}

	result := Result{Query: name}
	for _, rec := range records.Data {
		attrs := rec.Attributes
		active := attrs.Entity.Status == "ACTIVE" && attrs.Registration.Status == "ISSUED"
		if active || result.LEI == "" {
			result.LEI = attrs.LEI
			result.LegalName = attrs.Entity.LegalName.Name
			result.Jurisdiction = attrs.Entity.Jurisdiction
			result.Status = attrs.Entity.Status
		}
		if active {
			result.Verified = true
			break
		}
	}
	return result, nil
}
