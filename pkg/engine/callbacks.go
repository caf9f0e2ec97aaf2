package engine

import (
	"context"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Acknowledge records that responders accepted a dispatched incident
func (e *Engine) Acknowledge(ctx context.Context, incidentID string) (*messages.Incident, error) {
	e.locks.Lock("inc:" + incidentID)
	defer e.locks.Unlock("inc:" + incidentID)

	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(inc.State, messages.StateAcknowledged); err != nil {
		e.logger.Warn().
			Str("incident_id", incidentID).
			Str("state", string(inc.State)).
			Msg("Acknowledge rejected, invalid transition")
		return inc, err
	}

	now := time.Now().UTC()
	inc.AcknowledgedAt = &now
	if err := e.transition(ctx, inc, messages.StateAcknowledged); err != nil {
		return inc, err
	}

	// Acknowledged incidents no longer own their fingerprint; a fresh
	// detection at the same scene opens a new incident.
	e.dedup.Drop(inc.Fingerprint, inc.ID)
	e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
	e.stats.recordAcknowledged()
	e.logger.Info().Str("incident_id", incidentID).Msg("Incident acknowledged")
	return inc, nil
}

// Resolve records the responder-reported clear time for an incident
func (e *Engine) Resolve(ctx context.Context, incidentID string) (*messages.Incident, error) {
	e.locks.Lock("inc:" + incidentID)
	defer e.locks.Unlock("inc:" + incidentID)

	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(inc.State, messages.StateResolved); err != nil {
		e.logger.Warn().
			Str("incident_id", incidentID).
			Str("state", string(inc.State)).
			Msg("Resolve rejected, invalid transition")
		return inc, err
	}

	now := time.Now().UTC()
	inc.ResolvedAt = &now
	inc.ResponseTime = now.Sub(inc.CreatedAt)
	if err := e.transition(ctx, inc, messages.StateResolved); err != nil {
		return inc, err
	}

	e.stats.recordResolved()
	e.metrics.incidentsTotal.WithLabelValues("resolved").Inc()
	e.logger.Info().
		Str("incident_id", incidentID).
		Dur("response_time", inc.ResponseTime).
		Msg("Incident resolved")
	return inc, nil
}

// Cancel aborts an incident from any non-terminal state. In-flight analysis
// or dispatch work for it is interrupted first.
func (e *Engine) Cancel(ctx context.Context, incidentID string) (*messages.Incident, error) {
	// Interrupt the pipeline before taking the lock; the running goroutine
	// holds it until its context is cancelled.
	if v, ok := e.inflight.Load(incidentID); ok {
		v.(*inflight).cancel()
	}

	e.locks.Lock("inc:" + incidentID)
	defer e.locks.Unlock("inc:" + incidentID)

	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(inc.State, messages.StateCancelled); err != nil {
		e.logger.Warn().
			Str("incident_id", incidentID).
			Str("state", string(inc.State)).
			Msg("Cancel rejected, invalid transition")
		return inc, err
	}

	if err := e.transition(ctx, inc, messages.StateCancelled); err != nil {
		return inc, err
	}

	e.dedup.Drop(inc.Fingerprint, inc.ID)
	e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
	e.metrics.incidentsTotal.WithLabelValues("cancelled").Inc()
	e.logger.Info().Str("incident_id", incidentID).Msg("Incident cancelled")
	return inc, nil
}

// Apply routes a responder command to the matching callback
func (e *Engine) Apply(ctx context.Context, cmd *messages.IncidentCommand) (*messages.Incident, error) {
	switch cmd.Action {
	case messages.ActionAcknowledge:
		return e.Acknowledge(ctx, cmd.IncidentID)
	case messages.ActionResolve:
		return e.Resolve(ctx, cmd.IncidentID)
	case messages.ActionCancel:
		return e.Cancel(ctx, cmd.IncidentID)
	default:
		return nil, ErrInvalidTransition
	}
}
