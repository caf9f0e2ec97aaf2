package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// StubClient is a deterministic in-process analyzer for local development and
// tests. When Result or Err is set it returns them verbatim; otherwise it
// scores the snapshot with a simple rubric.
type StubClient struct {
	Result *messages.AnalysisResult
	Err    error
	Delay  time.Duration
}

// Analyze returns a canned or computed assessment
func (s *StubClient) Analyze(ctx context.Context, snap messages.DetectionSnapshot) (*messages.AnalysisResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		r := *s.Result
		return &r, nil
	}

	tier := messages.SeverityLow
	switch {
	case snap.HasIndicator(messages.IndicatorCasualtiesLikely) && snap.VehicleCount >= 2:
		tier = messages.SeverityCritical
	case snap.HasIndicator(messages.IndicatorCasualtiesLikely) ||
		snap.HasIndicator(messages.IndicatorFireHazard) ||
		snap.VehicleCount >= 3:
		tier = messages.SeverityHigh
	case snap.VehicleCount == 2 || len(snap.Indicators) > 0:
		tier = messages.SeverityMedium
	}

	return &messages.AnalysisResult{
		Severity:            tier,
		Priority:            messages.PriorityForTier(tier),
		Resources:           messages.ResourcesForTier(tier),
		Strategy:            fmt.Sprintf("stub assessment for %d vehicle(s)", snap.VehicleCount),
		ResponseTimeMinutes: messages.ResponseTimeForTier(tier),
		Justification:       fmt.Sprintf("stub rubric: confidence %.2f, %d indicator(s)", snap.Confidence, len(snap.Indicators)),
		AnalyzedAt:          time.Now().UTC(),
	}, nil
}

// Health always succeeds
func (s *StubClient) Health(ctx context.Context) error {
	return nil
}
