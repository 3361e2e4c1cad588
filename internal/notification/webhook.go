package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier POSTs events at or above MinLevel to an HTTP endpoint.
type WebhookNotifier struct {
	url      string
	minLevel Level
	client   *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, minLevel Level) *WebhookNotifier {
	if minLevel == "" {
		minLevel = LevelWarning
	}
	return &WebhookNotifier{
		url:      url,
		minLevel: minLevel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, ev Event) error {
	if !ev.Level.AtLeast(w.minLevel) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(ev.JSON()))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
