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

// TelegramChannel sends alerts to a Telegram chat via the Bot API
type TelegramChannel struct {
	baseURL    string
	token      string
	chatID     string
	httpClient *http.Client
}

// NewTelegramChannel creates a Telegram alert channel
func NewTelegramChannel(token, chatID string) *TelegramChannel {
	return &TelegramChannel{
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewTelegramChannelWithBase creates a channel against a custom API base,
// used in tests
func NewTelegramChannelWithBase(baseURL, token, chatID string) *TelegramChannel {
	ch := NewTelegramChannel(token, chatID)
	ch.baseURL = baseURL
	return ch
}

// Name returns the channel identifier
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Send posts the alert text followed by a pin of the scene location. The
// idempotency token rides along so a relay bot can drop duplicates.
func (t *TelegramChannel) Send(ctx context.Context, d Delivery) error {
	text := fmt.Sprintf("%s\n\nref: %s", d.Summary, d.Token)
	msg := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	}
	if err := t.call(ctx, "sendMessage", msg); err != nil {
		return err
	}

	pin := map[string]interface{}{
		"chat_id":   t.chatID,
		"latitude":  d.Location.Lat,
		"longitude": d.Location.Lon,
	}
	return t.call(ctx, "sendLocation", pin)
}

func (t *TelegramChannel) call(ctx context.Context, method string, payload interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal %s payload: %w", method, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("telegram %s returned status %d: %s", method, resp.StatusCode, string(respBody))
	// 429 is retryable, other 4xx mean a broken token or chat id.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
