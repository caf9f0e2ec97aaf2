package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// TestFallbackSeverityScoring tests the degraded-mode severity rubric
func TestFallbackSeverityScoring(t *testing.T) {
	tests := []struct {
		name string
		snap messages.DetectionSnapshot
		want messages.SeverityTier
	}{
		{
			name: "single vehicle low confidence",
			snap: messages.DetectionSnapshot{Confidence: 0.76, VehicleCount: 1},
			want: messages.SeverityLow,
		},
		{
			name: "two vehicles mid confidence",
			snap: messages.DetectionSnapshot{Confidence: 0.85, VehicleCount: 2},
			want: messages.SeverityMedium,
		},
		{
			name: "pileup with hazards",
			snap: messages.DetectionSnapshot{
				Confidence:   0.85,
				VehicleCount: 3,
				Indicators:   []string{messages.IndicatorSevereDamage, messages.IndicatorFuelSpill},
			},
			want: messages.SeverityCritical,
		},
		{
			name: "fire hazard floors at high",
			snap: messages.DetectionSnapshot{
				Confidence:   0.76,
				VehicleCount: 1,
				Indicators:   []string{messages.IndicatorFireHazard},
			},
			want: messages.SeverityHigh,
		},
		{
			name: "casualty indicator floors at high",
			snap: messages.DetectionSnapshot{
				Confidence:   0.76,
				VehicleCount: 1,
				Indicators:   []string{messages.IndicatorCasualtiesLikely},
			},
			want: messages.SeverityHigh,
		},
		{
			name: "confident multi-vehicle pileup is critical",
			snap: messages.DetectionSnapshot{Confidence: 0.95, VehicleCount: 4},
			want: messages.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FallbackSeverity(tt.snap))
		})
	}
}

// TestFallbackSeverityDeterministic tests that identical snapshots always
// score identically
func TestFallbackSeverityDeterministic(t *testing.T) {
	snap := messages.DetectionSnapshot{
		Confidence:   0.88,
		VehicleCount: 2,
		Indicators:   []string{messages.IndicatorEntrapment},
	}

	first := FallbackSeverity(snap)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, FallbackSeverity(snap))
	}
}

// TestFallbackAnalysisComplete tests that the heuristic produces a
// schema-valid assessment
func TestFallbackAnalysisComplete(t *testing.T) {
	snap := messages.DetectionSnapshot{
		Confidence:   0.92,
		VehicleCount: 3,
		Indicators:   []string{messages.IndicatorFireHazard},
	}

	result := FallbackAnalysis(snap)
	require.NotNil(t, result)
	require.NoError(t, result.Validate())

	assert.Equal(t, messages.SeverityCritical, result.Severity)
	assert.Equal(t, messages.PriorityImmediate, result.Priority)
	assert.Equal(t, messages.ResourcesForTier(messages.SeverityCritical), result.Resources)
	assert.Equal(t, 10, result.ResponseTimeMinutes)
	assert.Contains(t, result.Justification, "local heuristic")
	assert.NotEmpty(t, result.Strategy)
	assert.False(t, result.AnalyzedAt.IsZero())
}
