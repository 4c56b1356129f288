package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/payguard/payguard/internal/governance"
)

const slackTimeout = 10 * time.Second

// Compile-time check that Slack implements governance.Notifier.
var _ governance.Notifier = (*Slack)(nil)

// Slack posts held-payout summaries to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack builds a notifier for the given incoming-webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
	}
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Slack) Notify(ctx context.Context, intent governance.Intent, res governance.Result) error {
	detail := fmt.Sprintf("*Payout:* `%s`\n*Agent:* `%s`\n*Amount:* %.2f %s\n*Reason:* %s",
		intent.PayoutID, intent.AgentID, float64(intent.Amount)/100, intent.Currency, res.Detail)
	if intent.VendorName != "" {
		detail += fmt.Sprintf("\n*Vendor:* %s", intent.VendorName)
	}
	if intent.VendorURL != "" {
		detail += fmt.Sprintf("\n*Vendor URL:* %s", intent.VendorURL)
	}

	payload := map[string]any{
		"text": summaryLine(intent, res),
		"blocks": []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "Payout approval required"}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: detail}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
