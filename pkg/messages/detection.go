package messages

import (
	"fmt"
	"sort"
	"time"
)

// Hazard indicator tags attached to detection events by upstream detectors.
const (
	IndicatorFireHazard       = "fire-hazard"
	IndicatorCasualtiesLikely = "casualties-likely"
	IndicatorSevereDamage     = "severe-damage"
	IndicatorEntrapment       = "entrapment"
	IndicatorFuelSpill        = "fuel-spill"
)

// Vehicle classification labels used in per-type counts.
const (
	VehicleCar        = "car"
	VehicleTruck      = "truck"
	VehicleBus        = "bus"
	VehicleMotorcycle = "motorcycle"
	VehicleBicycle    = "bicycle"
)

// DetectionEvent is a raw accident detection from a camera or roadside sensor
type DetectionEvent struct {
	BaseMessage
	SourceID       string         `json:"source_id"`       // Detector that produced the event
	CapturedAt     time.Time      `json:"captured_at"`     // When the frame was captured
	Location       Location       `json:"location"`        // Scene coordinates
	Confidence     float64        `json:"confidence"`      // Model confidence [0.0, 1.0]
	Indicators     []string       `json:"indicators"`      // Hazard indicator tags
	VehicleCount   int            `json:"vehicle_count"`   // Vehicles involved
	VehiclesByType map[string]int `json:"vehicles_by_type,omitempty"`
	EvidenceRef    string         `json:"evidence_ref,omitempty"` // Snapshot or clip reference
}

// Subject returns the NATS subject for this detection
func (d *DetectionEvent) Subject() string {
	return fmt.Sprintf("detect.%s", d.SourceID)
}

// NewDetectionEvent creates a detection event with envelope
func NewDetectionEvent(sourceID string) *DetectionEvent {
	return &DetectionEvent{
		BaseMessage: BaseMessage{
			Envelope: NewEnvelope(sourceID, "detector"),
		},
		SourceID:   sourceID,
		CapturedAt: time.Now().UTC(),
	}
}

// DetectionSnapshot is the merged view of all detections folded into one
// incident during its debounce window
type DetectionSnapshot struct {
	SourceID       string         `json:"source_id"`
	Location       Location       `json:"location"`
	Confidence     float64        `json:"confidence"` // Highest observed
	Indicators     []string       `json:"indicators"` // Union, sorted
	VehicleCount   int            `json:"vehicle_count"`
	VehiclesByType map[string]int `json:"vehicles_by_type,omitempty"`
	EvidenceRef    string         `json:"evidence_ref,omitempty"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	DetectionCount int            `json:"detection_count"` // Events folded in
}

// NewSnapshot builds a snapshot from the first detection of an incident
func NewSnapshot(ev *DetectionEvent) DetectionSnapshot {
	s := DetectionSnapshot{
		SourceID:       ev.SourceID,
		Location:       ev.Location,
		Confidence:     ev.Confidence,
		VehicleCount:   ev.VehicleCount,
		EvidenceRef:    ev.EvidenceRef,
		FirstSeen:      ev.CapturedAt,
		LastSeen:       ev.CapturedAt,
		DetectionCount: 1,
	}
	s.Indicators = append(s.Indicators, ev.Indicators...)
	sort.Strings(s.Indicators)
	if len(ev.VehiclesByType) > 0 {
		s.VehiclesByType = make(map[string]int, len(ev.VehiclesByType))
		for k, v := range ev.VehiclesByType {
			s.VehiclesByType[k] = v
		}
	}
	return s
}

// Merge folds a duplicate detection into the snapshot. Confidence and vehicle
// counts keep their maxima, indicators are unioned.
func (s *DetectionSnapshot) Merge(ev *DetectionEvent) {
	if ev.Confidence > s.Confidence {
		s.Confidence = ev.Confidence
	}
	if ev.VehicleCount > s.VehicleCount {
		s.VehicleCount = ev.VehicleCount
	}
	for label, n := range ev.VehiclesByType {
		if s.VehiclesByType == nil {
			s.VehiclesByType = make(map[string]int)
		}
		if n > s.VehiclesByType[label] {
			s.VehiclesByType[label] = n
		}
	}
	for _, tag := range ev.Indicators {
		if !s.HasIndicator(tag) {
			s.Indicators = append(s.Indicators, tag)
		}
	}
	sort.Strings(s.Indicators)
	if s.EvidenceRef == "" {
		s.EvidenceRef = ev.EvidenceRef
	}
	if ev.CapturedAt.Before(s.FirstSeen) {
		s.FirstSeen = ev.CapturedAt
	}
	if ev.CapturedAt.After(s.LastSeen) {
		s.LastSeen = ev.CapturedAt
	}
	s.DetectionCount++
}

// HasIndicator reports whether the snapshot carries a hazard tag
func (s *DetectionSnapshot) HasIndicator(tag string) bool {
	for _, t := range s.Indicators {
		if t == tag {
			return true
		}
	}
	return false
}

// Traffic impact estimation constants, tuned for urban arterials.
const (
	queueMetersPerVehicle  = 4.5
	clearSecondsPerVehicle = 2
	maxSignalCycleSeconds  = 90
)

// EstimatedQueueMeters estimates the length of the queue forming behind the scene
func (s *DetectionSnapshot) EstimatedQueueMeters() float64 {
	return float64(s.VehicleCount) * queueMetersPerVehicle
}

// EstimatedClearSeconds estimates added wait time, capped at one signal cycle
func (s *DetectionSnapshot) EstimatedClearSeconds() int {
	wait := s.VehicleCount * clearSecondsPerVehicle
	if wait > maxSignalCycleSeconds {
		return maxSignalCycleSeconds
	}
	return wait
}
