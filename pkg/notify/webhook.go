package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookChannel posts the full alert payload to a dispatch center endpoint.
// The idempotency token is sent both in the body and as the Idempotency-Key
// header.
type WebhookChannel struct {
	name       string
	url        string
	authToken  string
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook alert channel
func NewWebhookChannel(name, url, authToken string) *WebhookChannel {
	return &WebhookChannel{
		name:      name,
		url:       url,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Name returns the channel identifier
func (w *WebhookChannel) Name() string {
	return w.name
}

// Send posts the delivery as JSON
func (w *WebhookChannel) Send(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return Permanent(fmt.Errorf("marshal delivery: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.Token)
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("webhook %s returned status %d: %s", w.name, resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
