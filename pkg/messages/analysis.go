package messages

import (
	"fmt"
	"time"
)

// SeverityTier classifies how serious an incident is
type SeverityTier string

const (
	SeverityCritical SeverityTier = "Critical"
	SeverityHigh     SeverityTier = "High"
	SeverityMedium   SeverityTier = "Medium"
	SeverityLow      SeverityTier = "Low"
)

// Valid reports whether the tier is a known value
func (t SeverityTier) Valid() bool {
	switch t {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders tiers for comparison, higher is more severe
func (t SeverityTier) Rank() int {
	switch t {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// DispatchPriority drives notification urgency
type DispatchPriority string

const (
	PriorityImmediate DispatchPriority = "IMMEDIATE"
	PriorityStandard  DispatchPriority = "STANDARD"
	PriorityRoutine   DispatchPriority = "ROUTINE"
)

// Valid reports whether the priority is a known value
func (p DispatchPriority) Valid() bool {
	switch p {
	case PriorityImmediate, PriorityStandard, PriorityRoutine:
		return true
	}
	return false
}

// ResourceSet is the responder allocation recommended for an incident
type ResourceSet struct {
	Ambulances     int `json:"ambulances"`
	FireBrigade    int `json:"fire_brigade"`
	Police         int `json:"police"`
	TrafficControl int `json:"traffic_control"`
}

// Total returns the number of units across all resource types
func (r ResourceSet) Total() int {
	return r.Ambulances + r.FireBrigade + r.Police + r.TrafficControl
}

// resourceTable maps each tier to its baseline allocation
var resourceTable = map[SeverityTier]ResourceSet{
	SeverityCritical: {Ambulances: 3, FireBrigade: 2, Police: 4, TrafficControl: 2},
	SeverityHigh:     {Ambulances: 2, FireBrigade: 1, Police: 2, TrafficControl: 1},
	SeverityMedium:   {Ambulances: 1, FireBrigade: 0, Police: 2, TrafficControl: 1},
	SeverityLow:      {Ambulances: 0, FireBrigade: 0, Police: 1, TrafficControl: 1},
}

// ResourcesForTier returns the baseline responder allocation for a tier
func ResourcesForTier(t SeverityTier) ResourceSet {
	return resourceTable[t]
}

// PriorityForTier maps a severity tier to its dispatch priority
func PriorityForTier(t SeverityTier) DispatchPriority {
	switch t {
	case SeverityCritical, SeverityHigh:
		return PriorityImmediate
	case SeverityMedium:
		return PriorityStandard
	default:
		return PriorityRoutine
	}
}

// ResponseTimeForTier returns the target response time in minutes
func ResponseTimeForTier(t SeverityTier) int {
	switch t {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 12
	case SeverityMedium:
		return 18
	default:
		return 25
	}
}

// AnalysisResult is the severity assessment for an incident, produced by the
// reasoning service or by the local fallback heuristic
type AnalysisResult struct {
	Severity            SeverityTier     `json:"severity_level"`
	Priority            DispatchPriority `json:"dispatch_priority"`
	Resources           ResourceSet      `json:"resources"`
	Strategy            string           `json:"dispatch_strategy,omitempty"`
	Medical             string           `json:"medical_considerations,omitempty"`
	ResponseTimeMinutes int              `json:"estimated_response_time_minutes"`
	Justification       string           `json:"severity_justification,omitempty"`
	AnalyzedAt          time.Time        `json:"analyzed_at"`
}

// Validate checks that the result satisfies the response schema
func (r *AnalysisResult) Validate() error {
	if !r.Severity.Valid() {
		return fmt.Errorf("invalid severity tier %q", r.Severity)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid dispatch priority %q", r.Priority)
	}
	if r.Resources.Ambulances < 0 || r.Resources.FireBrigade < 0 ||
		r.Resources.Police < 0 || r.Resources.TrafficControl < 0 {
		return fmt.Errorf("negative resource count")
	}
	if r.Resources.Total() == 0 {
		return fmt.Errorf("empty resource allocation")
	}
	if r.ResponseTimeMinutes <= 0 {
		return fmt.Errorf("invalid response time %d", r.ResponseTimeMinutes)
	}
	return nil
}
