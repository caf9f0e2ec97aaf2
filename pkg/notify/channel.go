// Package notify delivers incident alerts to responder channels
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Delivery is one alert bound for one channel. Token is the idempotency key;
// a receiver that has seen the token before should treat the send as a no-op.
type Delivery struct {
	IncidentID string                     `json:"incident_id"`
	Token      string                     `json:"token"`
	Severity   messages.SeverityTier      `json:"severity"`
	Priority   messages.DispatchPriority  `json:"priority"`
	Degraded   bool                       `json:"degraded"`
	Location   messages.Location          `json:"location"`
	Resources  messages.ResourceSet       `json:"resources"`
	Strategy   string                     `json:"strategy,omitempty"`
	Summary    string                     `json:"summary"`
	Snapshot   messages.DetectionSnapshot `json:"snapshot"`
}

// Channel pushes alerts to one responder endpoint
type Channel interface {
	Name() string
	Send(ctx context.Context, d Delivery) error
}

// permanentError marks failures that retrying cannot fix
type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent wraps an error so Retryable returns false for it
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Retryable reports whether a delivery failure is worth retrying
func Retryable(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}

// BuildDelivery assembles the alert payload for an analyzed incident
func BuildDelivery(inc *messages.Incident, token string) Delivery {
	d := Delivery{
		IncidentID: inc.ID,
		Token:      token,
		Degraded:   inc.Degraded,
		Location:   inc.Snapshot.Location,
		Snapshot:   inc.Snapshot,
	}
	if inc.Analysis != nil {
		d.Severity = inc.Analysis.Severity
		d.Priority = inc.Analysis.Priority
		d.Resources = inc.Analysis.Resources
		d.Strategy = inc.Analysis.Strategy
	}
	d.Summary = FormatAlert(inc)
	return d
}

// FormatAlert renders the human-readable alert text
func FormatAlert(inc *messages.Incident) string {
	var b strings.Builder

	sev := messages.SeverityTier("unassessed")
	if inc.Analysis != nil {
		sev = inc.Analysis.Severity
	}
	fmt.Fprintf(&b, "%s %s accident", severityMarker(sev), sev)
	if inc.Degraded {
		b.WriteString(" (degraded assessment)")
	}
	fmt.Fprintf(&b, "\nIncident %s", inc.ID)
	fmt.Fprintf(&b, "\nLocation %.5f, %.5f", inc.Snapshot.Location.Lat, inc.Snapshot.Location.Lon)
	fmt.Fprintf(&b, "\nVehicles involved: %d", inc.Snapshot.VehicleCount)
	if len(inc.Snapshot.Indicators) > 0 {
		fmt.Fprintf(&b, "\nHazards: %s", strings.Join(inc.Snapshot.Indicators, ", "))
	}
	if inc.Analysis != nil {
		r := inc.Analysis.Resources
		fmt.Fprintf(&b, "\nDispatch: %d ambulance, %d fire, %d police, %d traffic control",
			r.Ambulances, r.FireBrigade, r.Police, r.TrafficControl)
		fmt.Fprintf(&b, "\nETA target: %d min", inc.Analysis.ResponseTimeMinutes)
	}
	fmt.Fprintf(&b, "\nQueue estimate: %.0fm, +%ds clear time",
		inc.Snapshot.EstimatedQueueMeters(), inc.Snapshot.EstimatedClearSeconds())

	return b.String()
}

func severityMarker(t messages.SeverityTier) string {
	switch t {
	case messages.SeverityCritical:
		return "[CRITICAL]"
	case messages.SeverityHigh:
		return "[HIGH]"
	case messages.SeverityMedium:
		return "[MEDIUM]"
	default:
		return "[LOW]"
	}
}
