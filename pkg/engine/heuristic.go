package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// FallbackSeverity scores a snapshot without the reasoning service. The
// scoring is deterministic: confidence band plus vehicle involvement plus
// hazard indicators, with floors for the worst signals.
func FallbackSeverity(snap messages.DetectionSnapshot) messages.SeverityTier {
	score := 0.0

	switch {
	case snap.Confidence >= 0.9:
		score += 0.3
	case snap.Confidence >= 0.8:
		score += 0.2
	default:
		score += 0.1
	}

	switch {
	case snap.VehicleCount >= 3:
		score += 0.3
	case snap.VehicleCount == 2:
		score += 0.2
	default:
		score += 0.1
	}

	hazard := 0.1 * float64(len(snap.Indicators))
	if hazard > 0.3 {
		hazard = 0.3
	}
	score += hazard

	tier := messages.SeverityLow
	switch {
	case score >= 0.7:
		tier = messages.SeverityCritical
	case score >= 0.5:
		tier = messages.SeverityHigh
	case score >= 0.3:
		tier = messages.SeverityMedium
	}

	// Floors: casualty or fire signals are never below High, and a
	// high-confidence multi-vehicle pileup is Critical.
	if snap.HasIndicator(messages.IndicatorCasualtiesLikely) ||
		snap.HasIndicator(messages.IndicatorFireHazard) {
		if tier.Rank() < messages.SeverityHigh.Rank() {
			tier = messages.SeverityHigh
		}
	}
	if snap.Confidence >= 0.9 && snap.VehicleCount >= 3 {
		tier = messages.SeverityCritical
	}

	return tier
}

// FallbackAnalysis builds a complete degraded-mode assessment for a snapshot
func FallbackAnalysis(snap messages.DetectionSnapshot) *messages.AnalysisResult {
	tier := FallbackSeverity(snap)

	just := fmt.Sprintf("local heuristic: confidence %.2f, %d vehicle(s)",
		snap.Confidence, snap.VehicleCount)
	if len(snap.Indicators) > 0 {
		just += ", indicators " + strings.Join(snap.Indicators, ",")
	}

	return &messages.AnalysisResult{
		Severity:            tier,
		Priority:            messages.PriorityForTier(tier),
		Resources:           messages.ResourcesForTier(tier),
		Strategy:            fallbackStrategy(tier),
		ResponseTimeMinutes: messages.ResponseTimeForTier(tier),
		Justification:       just,
		AnalyzedAt:          time.Now().UTC(),
	}
}

func fallbackStrategy(t messages.SeverityTier) string {
	switch t {
	case messages.SeverityCritical:
		return "full emergency response, close affected lanes, stage triage area"
	case messages.SeverityHigh:
		return "priority medical and police response, divert traffic around scene"
	case messages.SeverityMedium:
		return "standard response, single lane closure if needed"
	default:
		return "routine patrol response, monitor and clear"
	}
}
