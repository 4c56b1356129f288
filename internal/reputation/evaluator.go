// Package reputation evaluates vendor URLs against the Google Safe
// Browsing v4 Lookup API.
//
// Verdicts are cached in Redis for up to five minutes. Infrastructure
// failures fail closed: the verdict is unsafe, tagged with a synthetic
// INFRA_* threat so audit and dashboards never mistake an outage for a
// real threat. Fallback verdicts are never cached.
package reputation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payguard/payguard/internal/circuitbreaker"
	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/metrics"
	"github.com/payguard/payguard/internal/syncutil"
)

// Synthetic threat tags for infrastructure failures. Distinct from the
// real Safe Browsing threat types so operators can tell an outage from a
// flagged vendor.
const (
	TagInfraTimeout     = "INFRA_TIMEOUT"
	TagInfraUnavailable = "INFRA_UNAVAILABLE"
	TagInfraError       = "INFRA_ERROR"
)

// threatTypes are the Safe Browsing lists every lookup checks.
var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

const (
	clientID      = "payguard"
	clientVersion = "0.1.0"

	breakerKey = "safebrowsing"

	requestTimeout = 2 * time.Second
	maxCacheTTL    = 5 * time.Minute
)

// Verdict is the outcome of one URL evaluation.
type Verdict struct {
	URL        string   `json:"url"`
	Safe       bool     `json:"safe"`
	ThreatTags []string `json:"threat_tags,omitempty"`
	// Infra marks a fail-closed verdict caused by an outage rather
	// than a threat-list match.
	Infra bool `json:"infra,omitempty"`
}

// Evaluator checks vendor URLs, caching real verdicts in Redis.
type Evaluator struct {
	apiKey  string
	apiURL  string
	rdb     *redis.Client // nil disables caching
	breaker *circuitbreaker.Breaker
	client  *http.Client

	// Serializes cache misses per canonical URL so a burst of intents
	// for the same vendor costs one upstream lookup, not N.
	misses *syncutil.ContextShardedMutex
}

// NewEvaluator creates an evaluator. rdb may be nil to disable caching.
func NewEvaluator(apiKey, apiURL string, rdb *redis.Client, breaker *circuitbreaker.Breaker) *Evaluator {
	return &Evaluator{
		apiKey:  apiKey,
		apiURL:  apiURL,
		rdb:     rdb,
		breaker: breaker,
		client:  &http.Client{Timeout: requestTimeout},
		misses:  syncutil.NewContextShardedMutex(),
	}
}

// CanonicalURL normalizes a vendor URL for cache keying: lowercased
// scheme and host, default ports and trailing slashes stripped.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func cacheKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return "reputation:" + hex.EncodeToString(sum[:])
}

// Evaluate checks one URL. It never returns an error: any failure path
// collapses into a fail-closed unsafe verdict with a synthetic tag.
func (e *Evaluator) Evaluate(ctx context.Context, rawURL string) Verdict {
	canonical := CanonicalURL(rawURL)

	if v, ok := e.cached(ctx, canonical); ok {
		metrics.ReputationChecksTotal.WithLabelValues("cache_hit").Inc()
		return v
	}

	unlock, err := e.misses.LockContext(ctx, canonical)
	if err != nil {
		return e.failClosed(ctx, canonical, err)
	}
	defer unlock()

	// A concurrent holder may have filled the cache while we waited.
	if v, ok := e.cached(ctx, canonical); ok {
		metrics.ReputationChecksTotal.WithLabelValues("cache_hit").Inc()
		return v
	}

	var verdict Verdict
	err = e.breaker.Do(ctx, breakerKey, func(ctx context.Context) error {
		v, err := e.lookup(ctx, canonical)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		return e.failClosed(ctx, canonical, err)
	}

	if verdict.Safe {
		metrics.ReputationChecksTotal.WithLabelValues("safe").Inc()
	} else {
		metrics.ReputationChecksTotal.WithLabelValues("unsafe").Inc()
	}
	e.cache(ctx, canonical, verdict)
	return verdict
}

// lookupRequest mirrors the Safe Browsing v4 threatMatches:find payload.
type lookupRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string `json:"threatTypes"`
		PlatformTypes    []string `json:"platformTypes"`
		ThreatEntryTypes []string `json:"threatEntryTypes"`
		ThreatEntries    []struct {
			URL string `json:"url"`
		} `json:"threatEntries"`
	} `json:"threatInfo"`
}

type lookupResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
	} `json:"matches"`
}

func (e *Evaluator) lookup(ctx context.Context, canonical string) (Verdict, error) {
	var reqBody lookupRequest
	reqBody.Client.ClientID = clientID
	reqBody.Client.ClientVersion = clientVersion
	reqBody.ThreatInfo.ThreatTypes = threatTypes
	reqBody.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	reqBody.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	reqBody.ThreatInfo.ThreatEntries = []struct {
		URL string `json:"url"`
	}{{URL: canonical}}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal lookup request: %w", err)
	}

	endpoint := e.apiURL + "?key=" + url.QueryEscape(e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("safe browsing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("safe browsing status %d: %s", resp.StatusCode, string(body))
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil && err != io.EOF {
		return Verdict{}, fmt.Errorf("decode lookup response: %w", err)
	}

	v := Verdict{URL: canonical, Safe: len(lr.Matches) == 0}
	for _, m := range lr.Matches {
		v.ThreatTags = append(v.ThreatTags, m.ThreatType)
	}
	return v, nil
}

// failClosed builds the synthetic unsafe verdict for an infrastructure
// failure. Never cached, so recovery is observed immediately.
func (e *Evaluator) failClosed(ctx context.Context, canonical string, err error) Verdict {
	tag := TagInfraError
	var netErr net.Error
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		tag = TagInfraUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		tag = TagInfraTimeout
	}
	logging.L(ctx).Error("reputation check failed closed",
		"url", canonical, "tag", tag, "error", err)
	metrics.ReputationChecksTotal.WithLabelValues("infra_failure").Inc()
	return Verdict{URL: canonical, Safe: false, ThreatTags: []string{tag}, Infra: true}
}

func (e *Evaluator) cached(ctx context.Context, canonical string) (Verdict, bool) {
	if e.rdb == nil {
		return Verdict{}, false
	}
	data, err := e.rdb.Get(ctx, cacheKey(canonical)).Bytes()
	if err != nil {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return Verdict{}, false
	}
	return v, true
}

func (e *Evaluator) cache(ctx context.Context, canonical string, v Verdict) {
	if e.rdb == nil || v.Infra {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.rdb.Set(ctx, cacheKey(canonical), data, maxCacheTTL).Err(); err != nil {
		logging.L(ctx).Warn("reputation cache write failed", "error", err)
	}
}
