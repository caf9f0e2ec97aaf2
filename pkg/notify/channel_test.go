package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelx/dispatch/pkg/messages"
)

func testIncident() *messages.Incident {
	return &messages.Incident{
		ID:    "inc-123",
		State: messages.StateDispatching,
		Snapshot: messages.DetectionSnapshot{
			SourceID:     "cam-001",
			Location:     messages.Location{Lat: 52.52, Lon: 13.40},
			Confidence:   0.9,
			VehicleCount: 3,
			Indicators:   []string{messages.IndicatorFireHazard},
		},
		Analysis: &messages.AnalysisResult{
			Severity:            messages.SeverityCritical,
			Priority:            messages.PriorityImmediate,
			Resources:           messages.ResourcesForTier(messages.SeverityCritical),
			Strategy:            "full emergency response",
			ResponseTimeMinutes: 10,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// TestRetryableClassification tests the permanent error wrapper
func TestRetryableClassification(t *testing.T) {
	plain := errors.New("connection refused")
	assert.True(t, Retryable(plain))
	assert.False(t, Retryable(Permanent(plain)))

	wrapped := fmt.Errorf("channel: %w", Permanent(plain))
	assert.False(t, Retryable(wrapped), "permanence survives wrapping")
}

// TestBuildDelivery tests alert payload assembly
func TestBuildDelivery(t *testing.T) {
	inc := testIncident()
	d := BuildDelivery(inc, "inc-123:webhook:1")

	assert.Equal(t, "inc-123", d.IncidentID)
	assert.Equal(t, "inc-123:webhook:1", d.Token)
	assert.Equal(t, messages.SeverityCritical, d.Severity)
	assert.Equal(t, messages.PriorityImmediate, d.Priority)
	assert.Equal(t, 3, d.Snapshot.VehicleCount)
	assert.Contains(t, d.Summary, "[CRITICAL]")
	assert.Contains(t, d.Summary, "inc-123")
}

// TestFormatAlertDegraded tests the degraded-assessment marker
func TestFormatAlertDegraded(t *testing.T) {
	inc := testIncident()
	inc.Degraded = true

	text := FormatAlert(inc)
	assert.Contains(t, text, "degraded assessment")
	assert.Contains(t, text, "fire-hazard")
	assert.Contains(t, text, "ETA target: 10 min")
}

// TestWebhookSend tests delivery headers and payload
func TestWebhookSend(t *testing.T) {
	var mu sync.Mutex
	var gotIdem, gotAuth string
	var gotDelivery Delivery

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotIdem = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotDelivery)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("dispatch-center", srv.URL, "secret-token")
	assert.Equal(t, "dispatch-center", ch.Name())

	d := BuildDelivery(testIncident(), "inc-123:dispatch-center:1")
	require.NoError(t, ch.Send(context.Background(), d))

	assert.Equal(t, "inc-123:dispatch-center:1", gotIdem, "idempotency token rides in the header")
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "inc-123", gotDelivery.IncidentID)
}

// TestWebhookErrorClassification tests retryable vs permanent status codes
func TestWebhookErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error", status: http.StatusInternalServerError, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ch := NewWebhookChannel("test", srv.URL, "")
			err := ch.Send(context.Background(), Delivery{Token: "tok"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

// TestTelegramSend tests the message-then-pin call sequence
func TestTelegramSend(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	var gotText string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		parts := strings.Split(r.URL.Path, "/")
		methods = append(methods, parts[len(parts)-1])

		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		if text, ok := payload["text"].(string); ok {
			gotText = text
		}
		assert.Equal(t, "chat-42", payload["chat_id"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTelegramChannelWithBase(srv.URL, "bot-token", "chat-42")
	assert.Equal(t, "telegram", ch.Name())

	d := BuildDelivery(testIncident(), "inc-123:telegram:1")
	require.NoError(t, ch.Send(context.Background(), d))

	assert.Equal(t, []string{"sendMessage", "sendLocation"}, methods)
	assert.Contains(t, gotText, "ref: inc-123:telegram:1", "token is embedded for relay-side dedup")
}

// TestTelegramErrorClassification tests status mapping for the Bot API
func TestTelegramErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad token", status: http.StatusUnauthorized, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ch := NewTelegramChannelWithBase(srv.URL, "tok", "chat")
			err := ch.Send(context.Background(), Delivery{Token: "tok"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}
