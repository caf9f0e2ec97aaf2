package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelx/dispatch/pkg/messages"
	"github.com/sentinelx/dispatch/pkg/notify"
)

// dispatch fans the incident out to every notification channel and returns
// the number of successful deliveries. Each channel retries independently;
// retries within this cycle reuse the channel's idempotency token so the
// receiving side can drop duplicates.
func (e *Engine) dispatch(ctx context.Context, inc *messages.Incident) int {
	inc.DispatchEpoch++
	for _, ch := range e.channels {
		name := ch.Name()
		inc.Dispatches[name] = &messages.DispatchRecord{
			Channel: name,
			Token:   fmt.Sprintf("%s:%s:%d", inc.ID, name, inc.DispatchEpoch),
			Outcome: messages.OutcomePending,
		}
	}
	if err := e.store.PutIncident(ctx, inc); err != nil {
		e.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to persist dispatch records")
	}

	// Channels fail independently, a sibling error must not cancel the rest.
	var g errgroup.Group
	for _, ch := range e.channels {
		ch := ch
		g.Go(func() error {
			e.deliver(ctx, inc, ch, inc.Dispatches[ch.Name()])
			return nil
		})
	}
	_ = g.Wait()

	inc.UpdatedAt = time.Now().UTC()
	if err := e.store.PutIncident(ctx, inc); err != nil {
		e.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to persist dispatch outcomes")
	}

	delivered := 0
	for _, rec := range inc.Dispatches {
		if rec.Outcome == messages.OutcomeDelivered {
			delivered++
		}
	}
	return delivered
}

// deliver pushes one notification through one channel with bounded retries.
// Only the owning goroutine writes to rec until dispatch rejoins.
func (e *Engine) deliver(ctx context.Context, inc *messages.Incident, ch notify.Channel, rec *messages.DispatchRecord) {
	d := notify.BuildDelivery(inc, rec.Token)

	for attempt := 1; attempt <= e.cfg.DispatchAttempts; attempt++ {
		rec.Attempts = attempt
		rec.LastAttempt = time.Now().UTC()

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		err := ch.Send(callCtx, d)
		cancel()

		if err == nil {
			rec.Outcome = messages.OutcomeDelivered
			rec.DeliveredAt = time.Now().UTC()
			rec.LastError = ""
			e.metrics.dispatchTotal.WithLabelValues(ch.Name(), "delivered").Inc()
			e.logger.Info().
				Str("incident_id", inc.ID).
				Str("channel", ch.Name()).
				Int("attempts", attempt).
				Msg("Notification delivered")
			return
		}

		rec.LastError = err.Error()
		e.metrics.dispatchTotal.WithLabelValues(ch.Name(), "failed").Inc()
		e.logger.Warn().Err(err).
			Str("incident_id", inc.ID).
			Str("channel", ch.Name()).
			Int("attempt", attempt).
			Msg("Notification attempt failed")

		if !notify.Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < e.cfg.DispatchAttempts {
			if e.cfg.DispatchBackoff.Sleep(ctx, attempt) != nil {
				break
			}
		}
	}

	rec.Outcome = messages.OutcomeFailed
}
