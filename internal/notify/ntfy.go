package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/payguard/payguard/internal/governance"
)

const ntfyTimeout = 10 * time.Second

// Compile-time check that Ntfy implements governance.Notifier.
var _ governance.Notifier = (*Ntfy)(nil)

// Ntfy publishes alerts to an ntfy topic. The topic name is the only
// access control on the public server, so treat it as a secret.
type Ntfy struct {
	serverURL string
	topic     string
	token     string
	client    *http.Client
}

// NewNtfy builds a notifier for topic on serverURL. token may be empty
// for public topics.
func NewNtfy(serverURL, topic, token string) *Ntfy {
	return &Ntfy{
		serverURL: strings.TrimRight(serverURL, "/"),
		topic:     topic,
		token:     token,
		client:    &http.Client{Timeout: ntfyTimeout},
	}
}

func (n *Ntfy) Notify(ctx context.Context, intent governance.Intent, res governance.Result) error {
	body := summaryLine(intent, res)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.serverURL+"/"+n.topic, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Title", "Payout approval required")
	req.Header.Set("Priority", "high")
	req.Header.Set("Tags", "moneybag,warning")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to ntfy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
