// Package messages defines the data structures exchanged between services
package messages

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope contains metadata common to all messages for tracing and security
type Envelope struct {
	// Identity
	MessageID     string `json:"message_id"`     // UUIDv7 for time-ordering
	CorrelationID string `json:"correlation_id"` // Chain tracking across services
	CausationID   string `json:"causation_id"`   // Parent message that caused this

	// Routing
	Source     string `json:"source"`      // Service ID that sent this message
	SourceType string `json:"source_type"` // Service type (detector, engine, gateway)

	// Timing
	Timestamp time.Time `json:"timestamp"` // When message was created

	// Security
	Signature string `json:"signature"` // HMAC-SHA256 of payload

	// Tracing (OpenTelemetry)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEnvelope creates a new envelope with generated IDs
func NewEnvelope(source, sourceType string) Envelope {
	return Envelope{
		MessageID:  uuid.New().String(),
		Source:     source,
		SourceType: sourceType,
		Timestamp:  time.Now().UTC(),
	}
}

// WithCorrelation sets the correlation and causation IDs
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithTracing sets OpenTelemetry trace context
func (e Envelope) WithTracing(traceID, spanID string) Envelope {
	e.TraceID = traceID
	e.SpanID = spanID
	return e
}

// Sign generates an HMAC signature for the message
func (e *Envelope) Sign(payload []byte, secret []byte) {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	e.Signature = hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the HMAC signature
func (e *Envelope) VerifySignature(payload []byte, secret []byte) bool {
	expected := hmac.New(sha256.New, secret)
	expected.Write(payload)
	expectedSig := hex.EncodeToString(expected.Sum(nil))
	return hmac.Equal([]byte(e.Signature), []byte(expectedSig))
}

// Message is an interface for all message types
type Message interface {
	GetEnvelope() Envelope
	SetEnvelope(Envelope)
	Subject() string
}

// BaseMessage provides common functionality
type BaseMessage struct {
	Envelope Envelope `json:"envelope"`
}

func (m *BaseMessage) GetEnvelope() Envelope {
	return m.Envelope
}

func (m *BaseMessage) SetEnvelope(e Envelope) {
	m.Envelope = e
}

// MarshalWithSignature marshals the message and signs it
func MarshalWithSignature(msg Message, secret []byte) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	env := msg.GetEnvelope()
	env.Sign(data, secret)
	msg.SetEnvelope(env)

	return json.Marshal(msg)
}

// Location represents a geographic position
type Location struct {
	Lat float64 `json:"lat"` // Latitude in degrees
	Lon float64 `json:"lon"` // Longitude in degrees
}

// Valid reports whether the coordinates are within range
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// IsZero reports whether the location was never set. No registered source
// sits at exactly 0,0 (open ocean), so an all-zero value means the field was
// absent from the payload.
func (l Location) IsZero() bool {
	return l.Lat == 0 && l.Lon == 0
}
