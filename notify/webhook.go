package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs published listings to an inventory endpoint as a
// JSON array.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	secret   string
}

// WebhookOptions configures NewWebhookNotifier.
type WebhookOptions struct {
	Endpoint string
	Secret   string
	Timeout  time.Duration
}

// NewWebhookNotifier validates the options and builds the notifier.
func NewWebhookNotifier(opts WebhookOptions) (*WebhookNotifier, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("notify: webhook endpoint is required")
	}
	to := opts.Timeout
	if to <= 0 {
		to = 10 * time.Second
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: to},
		secret:   opts.Secret,
	}, nil
}

func (n *WebhookNotifier) NotifyListed(ctx context.Context, listings []Listing) error {
	if len(listings) == 0 {
		return nil
	}

	payload, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("notify: encode listings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
