package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/payguard/payguard/internal/retry"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
	pageSize       = 100
)

// Compile-time check that RESTClient implements Actions.
var _ Actions = (*RESTClient)(nil)

// RESTClient drives a Razorpay-style payouts API over basic-auth JSON.
// 4xx responses are treated as permanent; 5xx and transport errors are
// retried with bounded backoff.
type RESTClient struct {
	baseURL       string
	keyID         string
	keySecret     string
	accountNumber string
	client        *http.Client
}

// NewRESTClient builds a client for the payouts API at baseURL.
func NewRESTClient(baseURL, keyID, keySecret, accountNumber string) *RESTClient {
	return &RESTClient{
		baseURL:       baseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		accountNumber: accountNumber,
		client:        &http.Client{Timeout: requestTimeout},
	}
}

type listResponse struct {
	Count int            `json:"count"`
	Items []QueuedPayout `json:"items"`
}

// ListQueued pages through every payout the backend holds in queued state.
func (r *RESTClient) ListQueued(ctx context.Context) ([]QueuedPayout, error) {
	var all []QueuedPayout
	skip := 0
	for {
		q := url.Values{}
		q.Set("account_number", r.accountNumber)
		q.Set("status", "queued")
		q.Set("count", strconv.Itoa(pageSize))
		q.Set("skip", strconv.Itoa(skip))

		var page listResponse
		if err := r.do(ctx, http.MethodGet, "/payouts?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list queued payouts: %w", err)
		}
		all = append(all, page.Items...)
		if len(page.Items) < pageSize {
			return all, nil
		}
		skip += pageSize
	}
}

// Approve releases a queued payout for processing.
func (r *RESTClient) Approve(ctx context.Context, payoutID string) error {
	path := "/payouts/" + url.PathEscape(payoutID) + "/approve"
	if err := r.do(ctx, http.MethodPost, path, map[string]any{}, nil); err != nil {
		return fmt.Errorf("approve payout %s: %w", payoutID, err)
	}
	return nil
}

// Cancel rejects a queued payout with a free-text reason.
func (r *RESTClient) Cancel(ctx context.Context, payoutID, reason string) error {
	path := "/payouts/" + url.PathEscape(payoutID) + "/cancel"
	body := map[string]any{"remarks": reason}
	if err := r.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("cancel payout %s: %w", payoutID, err)
	}
	return nil
}

func (r *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, maxAttempts, retryBaseDelay, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.SetBasicAuth(r.keyID, r.keySecret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrNotFound)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("backend returned %d: %s", resp.StatusCode, msg))
		default:
			return fmt.Errorf("backend returned %d", resp.StatusCode)
		}
	})
}
