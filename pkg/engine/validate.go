package engine

import (
	"errors"
	"fmt"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Validation and admission errors surfaced to callers.
var (
	ErrLowConfidence     = errors.New("confidence below admission threshold")
	ErrInvalidConfidence = errors.New("confidence out of range")
	ErrInvalidLocation   = errors.New("location out of range")
	ErrMissingSource     = errors.New("missing source id")
	ErrMissingTimestamp  = errors.New("missing capture timestamp")
	ErrBusy              = errors.New("ingestion queue full")
	ErrNotFound          = errors.New("incident not found")
)

// RejectionReason returns the audit code for a validation error
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrLowConfidence):
		return "LOW_CONFIDENCE"
	case errors.Is(err, ErrInvalidConfidence):
		return "INVALID_CONFIDENCE"
	case errors.Is(err, ErrInvalidLocation):
		return "INVALID_LOCATION"
	case errors.Is(err, ErrMissingSource):
		return "MISSING_SOURCE"
	case errors.Is(err, ErrMissingTimestamp):
		return "MISSING_TIMESTAMP"
	default:
		return "MALFORMED"
	}
}

// ValidateDetection checks a detection against the admission rules. The same
// rules run at the gateway, so most rejects never reach the engine queue.
func ValidateDetection(ev *messages.DetectionEvent, minConfidence float64) error {
	if ev.SourceID == "" {
		return ErrMissingSource
	}
	if ev.CapturedAt.IsZero() {
		return ErrMissingTimestamp
	}
	if ev.Location.IsZero() {
		return fmt.Errorf("%w: location missing", ErrInvalidLocation)
	}
	if !ev.Location.Valid() {
		return fmt.Errorf("%w: lat=%f lon=%f", ErrInvalidLocation, ev.Location.Lat, ev.Location.Lon)
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return fmt.Errorf("%w: confidence=%f", ErrInvalidConfidence, ev.Confidence)
	}
	if ev.Confidence < minConfidence {
		return fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, ev.Confidence, minConfidence)
	}
	if ev.VehicleCount < 0 {
		ev.VehicleCount = 0
	}
	return nil
}
