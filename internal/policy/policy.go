// Package policy stores per-agent governance configuration: spending caps,
// approval thresholds, and vendor domain allow/block lists.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

var (
	ErrNotFound      = errors.New("policy not found")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// AgentPolicy is the governance configuration for one agent. Amounts are
// integer minor units (paise, cents). Nil optional caps mean "not enforced".
type AgentPolicy struct {
	AgentID           string    `json:"agent_id"`
	DailyCap          int64     `json:"daily_cap"`
	PerTxnCap         *int64    `json:"per_txn_cap,omitempty"`
	ApprovalThreshold *int64    `json:"approval_threshold,omitempty"`
	AllowedDomains    []string  `json:"allowed_domains"`
	BlockedDomains    []string  `json:"blocked_domains"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate checks the policy's internal consistency.
func (p *AgentPolicy) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidPolicy)
	}
	if p.DailyCap < 0 {
		return fmt.Errorf("%w: daily_cap must be non-negative", ErrInvalidPolicy)
	}
	if p.PerTxnCap != nil {
		if *p.PerTxnCap < 0 {
			return fmt.Errorf("%w: per_txn_cap must be non-negative", ErrInvalidPolicy)
		}
		if *p.PerTxnCap > p.DailyCap {
			return fmt.Errorf("%w: per_txn_cap exceeds daily_cap", ErrInvalidPolicy)
		}
	}
	if p.ApprovalThreshold != nil && *p.ApprovalThreshold < 0 {
		return fmt.Errorf("%w: approval_threshold must be non-negative", ErrInvalidPolicy)
	}
	allowed := make(map[string]bool, len(p.AllowedDomains))
	for _, d := range p.AllowedDomains {
		allowed[strings.ToLower(d)] = true
	}
	for _, d := range p.BlockedDomains {
		if allowed[strings.ToLower(d)] {
			return fmt.Errorf("%w: domain %q is both allowed and blocked", ErrInvalidPolicy, d)
		}
	}
	return nil
}

// Normalize lowercases the domain lists in place.
func (p *AgentPolicy) Normalize() {
	for i, d := range p.AllowedDomains {
		p.AllowedDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	for i, d := range p.BlockedDomains {
		p.BlockedDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
}

// DomainAllowed reports whether the registered domain of vendorURL passes
// this policy's lists. The block list wins over the allow list; an empty
// allow list admits every domain not blocked. An unparseable URL is treated
// as not allowed whenever any list is configured.
func (p *AgentPolicy) DomainAllowed(vendorURL string) bool {
	if vendorURL == "" {
		return len(p.AllowedDomains) == 0
	}
	domain, err := RegisteredDomain(vendorURL)
	if err != nil {
		return len(p.AllowedDomains) == 0 && len(p.BlockedDomains) == 0
	}
	for _, blocked := range p.BlockedDomains {
		if matchesDomain(domain, blocked) {
			return false
		}
	}
	if len(p.AllowedDomains) == 0 {
		return true
	}
	for _, allowed := range p.AllowedDomains {
		if matchesDomain(domain, allowed) {
			return true
		}
	}
	return false
}

// RegisteredDomain extracts the eTLD+1 of a vendor URL, lowercased.
// "https://pay.vendor.co.uk/invoice" yields "vendor.co.uk".
func RegisteredDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse vendor url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		// Bare domains like "vendor.com" parse with an empty host.
		host = strings.ToLower(strings.Split(u.Path, "/")[0])
	}
	if host == "" {
		return "", fmt.Errorf("vendor url %q has no host", rawURL)
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts without a public suffix (localhost, bare labels) are
		// compared as-is.
		return host, nil
	}
	return etld1, nil
}

// matchesDomain compares case-insensitively by registered-domain suffix:
// "pay.vendor.com" matches a listed "vendor.com".
func matchesDomain(domain, listed string) bool {
	listed = strings.ToLower(listed)
	return domain == listed || strings.HasSuffix(domain, "."+listed)
}

// Store persists agent policies.
type Store interface {
	Get(ctx context.Context, agentID string) (*AgentPolicy, error)
	Upsert(ctx context.Context, p *AgentPolicy) error
	List(ctx context.Context, limit int) ([]*AgentPolicy, error)
	Delete(ctx context.Context, agentID string) error
}
