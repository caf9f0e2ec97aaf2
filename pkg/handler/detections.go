// Package handler provides HTTP handlers for the dispatch API gateway
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sentinelx/dispatch/pkg/engine"
	"github.com/sentinelx/dispatch/pkg/messages"
)

// DetectionPublisher forwards accepted detections to the engine's work queue
type DetectionPublisher interface {
	PublishDetection(ctx context.Context, ev *messages.DetectionEvent) error
}

// RejectionRecorder persists refused detections for audit
type RejectionRecorder interface {
	RecordRejection(ctx context.Context, ev *messages.DetectionEvent, reason string) error
}

// DetectionHandler handles detection ingestion requests
type DetectionHandler struct {
	pub           DetectionPublisher
	audit         RejectionRecorder
	minConfidence float64
	logger        zerolog.Logger
}

// NewDetectionHandler creates a new DetectionHandler
func NewDetectionHandler(pub DetectionPublisher, audit RejectionRecorder, minConfidence float64, logger zerolog.Logger) *DetectionHandler {
	if minConfidence == 0 {
		minConfidence = engine.DefaultConfig().MinConfidence
	}
	return &DetectionHandler{
		pub:           pub,
		audit:         audit,
		minConfidence: minConfidence,
		logger:        logger.With().Str("handler", "detections").Logger(),
	}
}

// Routes returns the detection routes
func (h *DetectionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.IngestDetection)
	return r
}

// DetectionRequest is the ingestion request body
type DetectionRequest struct {
	SourceID       string            `json:"source_id"`
	CapturedAt     time.Time         `json:"captured_at"`
	Location       messages.Location `json:"location"`
	Confidence     float64           `json:"confidence"`
	Indicators     []string          `json:"indicators,omitempty"`
	VehicleCount   int               `json:"vehicle_count"`
	VehiclesByType map[string]int    `json:"vehicles_by_type,omitempty"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
}

// DetectionAccepted is the ingestion response body
type DetectionAccepted struct {
	Accepted      bool   `json:"accepted"`
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
}

// IngestDetection handles POST /api/v1/detections. Validation runs
// synchronously; accepted events are queued for the engine and answered 202.
func (h *DetectionHandler) IngestDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	var req DetectionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body", correlationID)
		return
	}

	ev := messages.NewDetectionEvent(req.SourceID)
	ev.Envelope = ev.Envelope.WithCorrelation(correlationID, "")
	if !req.CapturedAt.IsZero() {
		ev.CapturedAt = req.CapturedAt
	}
	ev.Location = req.Location
	ev.Confidence = req.Confidence
	ev.Indicators = req.Indicators
	ev.VehicleCount = req.VehicleCount
	ev.VehiclesByType = req.VehiclesByType
	ev.EvidenceRef = req.EvidenceRef

	if err := engine.ValidateDetection(ev, h.minConfidence); err != nil {
		reason := engine.RejectionReason(err)
		if h.audit != nil {
			if auditErr := h.audit.RecordRejection(ctx, ev, reason); auditErr != nil {
				h.logger.Warn().Err(auditErr).Str("correlation_id", correlationID).Msg("Failed to record rejection")
			}
		}
		h.logger.Info().
			Str("correlation_id", correlationID).
			Str("source_id", req.SourceID).
			Str("reason", reason).
			Msg("Detection rejected")

		status := http.StatusUnprocessableEntity
		if errors.Is(err, engine.ErrMissingSource) || errors.Is(err, engine.ErrMissingTimestamp) {
			status = http.StatusBadRequest
		}
		WriteErrorReason(w, status, reason, err.Error(), correlationID)
		return
	}

	if err := h.pub.PublishDetection(ctx, ev); err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to queue detection")
		WriteError(w, http.StatusServiceUnavailable, "Ingestion queue unavailable", correlationID)
		return
	}

	h.logger.Debug().
		Str("correlation_id", correlationID).
		Str("source_id", req.SourceID).
		Float64("confidence", req.Confidence).
		Msg("Detection accepted")

	WriteJSON(w, http.StatusAccepted, DetectionAccepted{
		Accepted:      true,
		MessageID:     ev.Envelope.MessageID,
		CorrelationID: correlationID,
	})
}
