// Package engine implements the incident lifecycle: admission, dedup,
// severity analysis, notification dispatch, and responder callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelx/dispatch/pkg/analysis"
	"github.com/sentinelx/dispatch/pkg/messages"
	"github.com/sentinelx/dispatch/pkg/notify"
)

// Store persists incidents. The engine treats it as the source of truth; the
// in-memory dedup index is rebuilt from it on startup.
type Store interface {
	PutIncident(ctx context.Context, inc *messages.Incident) error
	GetIncident(ctx context.Context, id string) (*messages.Incident, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*messages.Incident, error)
	ListActive(ctx context.Context, since time.Time, severity messages.SeverityTier) ([]*messages.Incident, error)
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	RecordRejection(ctx context.Context, ev *messages.DetectionEvent, reason string) error
}

// Publisher announces lifecycle transitions on the event bus
type Publisher interface {
	PublishIncidentEvent(ctx context.Context, ev *messages.IncidentEvent) error
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	MinConfidence  float64
	DebounceWindow time.Duration
	CellMeters     float64
	RetentionTTL   time.Duration
	SweepInterval  time.Duration

	QueueSize int
	Workers   int

	AnalysisTimeout     time.Duration
	AnalysisAttempts    int
	AnalysisConcurrency int64
	AnalysisQueueWait   time.Duration
	AnalysisBackoff     BackoffPolicy
	Breaker             BreakerConfig

	DispatchTimeout  time.Duration
	DispatchAttempts int
	DispatchBackoff  BackoffPolicy
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.75,
		DebounceWindow: 60 * time.Second,
		CellMeters:     100,
		RetentionTTL:   24 * time.Hour,
		SweepInterval:  60 * time.Second,

		QueueSize: 1024,
		Workers:   8,

		AnalysisTimeout:     5 * time.Second,
		AnalysisAttempts:    3,
		AnalysisConcurrency: 4,
		AnalysisQueueWait:   500 * time.Millisecond,
		AnalysisBackoff:     BackoffPolicy{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		Breaker: BreakerConfig{
			Window:      30 * time.Second,
			FailureRate: 0.5,
			MinSamples:  5,
			Cooldown:    60 * time.Second,
		},

		DispatchTimeout:  10 * time.Second,
		DispatchAttempts: 5,
		DispatchBackoff:  BackoffPolicy{Base: 1 * time.Second, Cap: 30 * time.Second},
	}
}

// inflight tracks a running incident pipeline so callbacks can interrupt it
type inflight struct {
	cancel context.CancelFunc
}

// submission pairs a queued detection with its completion callback. done fires
// once the detection is durable (incident stored or duplicate merged), so the
// consumer can ack the source message only after a crash would not lose it.
type submission struct {
	ev   *messages.DetectionEvent
	done func(error)
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// Engine drives incidents through their lifecycle
type Engine struct {
	cfg      Config
	store    Store
	analyzer analysis.Client
	channels []notify.Channel
	pub      Publisher
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	fp      fingerprinter
	dedup   *dedupIndex
	locks   *keyedLocks
	sem     *semaphore.Weighted
	breaker *Breaker
	queue   chan submission
	stats   *statsTracker

	inflight sync.Map // incident ID -> *inflight

	// Duplicates arriving while an incident's pipeline is running are parked
	// here instead of blocking a worker behind the pipeline lock.
	pendingMu sync.Mutex
	pending   map[string][]*messages.DetectionEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. Metrics are registered on reg.
func New(cfg Config, store Store, analyzer analysis.Client, channels []notify.Channel,
	pub Publisher, logger zerolog.Logger, reg prometheus.Registerer) *Engine {

	def := DefaultConfig()
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.CellMeters == 0 {
		cfg.CellMeters = def.CellMeters
	}
	if cfg.RetentionTTL == 0 {
		cfg.RetentionTTL = def.RetentionTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.AnalysisTimeout == 0 {
		cfg.AnalysisTimeout = def.AnalysisTimeout
	}
	if cfg.AnalysisAttempts == 0 {
		cfg.AnalysisAttempts = def.AnalysisAttempts
	}
	if cfg.AnalysisConcurrency == 0 {
		cfg.AnalysisConcurrency = def.AnalysisConcurrency
	}
	if cfg.AnalysisQueueWait == 0 {
		cfg.AnalysisQueueWait = def.AnalysisQueueWait
	}
	if cfg.AnalysisBackoff.Base == 0 {
		cfg.AnalysisBackoff = def.AnalysisBackoff
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker = def.Breaker
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.DispatchAttempts == 0 {
		cfg.DispatchAttempts = def.DispatchAttempts
	}
	if cfg.DispatchBackoff.Base == 0 {
		cfg.DispatchBackoff = def.DispatchBackoff
	}

	return &Engine{
		cfg:      cfg,
		store:    store,
		analyzer: analyzer,
		channels: channels,
		pub:      pub,
		logger:   logger.With().Str("component", "engine").Logger(),
		metrics:  newMetrics(reg),
		tracer:   otel.Tracer("dispatch/engine"),
		fp:       fingerprinter{cellMeters: cfg.CellMeters, window: cfg.DebounceWindow},
		dedup:    newDedupIndex(),
		locks:    newKeyedLocks(),
		sem:      semaphore.NewWeighted(cfg.AnalysisConcurrency),
		breaker:  NewBreaker(cfg.Breaker),
		queue:    make(chan submission, cfg.QueueSize),
		pending:  make(map[string][]*messages.DetectionEvent),
		stats:    newStatsTracker(),
	}
}

// States a restarted engine picks back up. DISPATCHED and later wait on
// responder callbacks and need no driving.
var resumableStates = map[messages.IncidentState]bool{
	messages.StateReceived:    true,
	messages.StateAnalyzing:   true,
	messages.StateAnalyzed:    true,
	messages.StateDispatching: true,
}

// Start rebuilds the dedup index from the store, resumes incidents that were
// mid-pipeline when the previous process died, and launches the worker pool
// and retention sweeper
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	active, err := e.store.ListActive(ctx, time.Time{}, "")
	if err != nil {
		return fmt.Errorf("rebuild dedup index: %w", err)
	}
	e.dedup.Rebuild(active, time.Now().UTC())
	e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
	e.logger.Info().Int("live_fingerprints", e.dedup.Len()).Msg("Dedup index rebuilt")

	resumed := 0
	for _, inc := range active {
		if !resumableStates[inc.State] {
			continue
		}
		resumed++
		inc := inc
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.logger.Info().
				Str("incident_id", inc.ID).
				Str("state", string(inc.State)).
				Msg("Resuming unfinished incident")
			e.run(ctx, inc)
		}()
	}
	if resumed > 0 {
		e.logger.Info().Int("resumed", resumed).Msg("Unfinished incidents resumed")
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweep(ctx)
	}()

	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Engine started")
	return nil
}

// Stop cancels in-flight work and waits for workers to drain
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Engine stopped")
}

// Submit validates a detection and enqueues it for processing. A full queue
// returns ErrBusy without blocking; rejected detections are recorded for
// audit.
func (e *Engine) Submit(ctx context.Context, ev *messages.DetectionEvent) error {
	return e.SubmitAck(ctx, ev, nil)
}

// SubmitAck is Submit with a completion callback. done fires exactly once
// after the detection reaches the store, with nil on success or the
// persistence error, letting the consumer defer its stream ack until a crash
// could no longer lose the detection.
func (e *Engine) SubmitAck(ctx context.Context, ev *messages.DetectionEvent, done func(error)) error {
	if err := ValidateDetection(ev, e.cfg.MinConfidence); err != nil {
		reason := RejectionReason(err)
		e.metrics.detectionsTotal.WithLabelValues("rejected").Inc()
		e.stats.recordRejected()
		if auditErr := e.store.RecordRejection(ctx, ev, reason); auditErr != nil {
			e.logger.Warn().Err(auditErr).Msg("Failed to record rejection")
		}
		e.logger.Info().
			Str("source_id", ev.SourceID).
			Str("reason", reason).
			Float64("confidence", ev.Confidence).
			Msg("Detection rejected")
		return err
	}

	select {
	case e.queue <- submission{ev: ev, done: done}:
		e.metrics.queueDepth.Set(float64(len(e.queue)))
		e.metrics.detectionsTotal.WithLabelValues("accepted").Inc()
		return nil
	default:
		e.metrics.detectionsTotal.WithLabelValues("busy").Inc()
		return ErrBusy
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-e.queue:
			e.metrics.queueDepth.Set(float64(len(e.queue)))
			e.process(ctx, sub.ev, sub.done)
		}
	}
}

// process routes a detection to an existing incident or creates a new one.
// The fingerprint lock serializes the create-or-merge decision; done fires as
// soon as the detection is durable.
func (e *Engine) process(ctx context.Context, ev *messages.DetectionEvent, done func(error)) {
	fingerprint := e.fp.Fingerprint(ev)

	e.locks.Lock("fp:" + fingerprint)
	id, exists := e.dedup.Get(fingerprint)
	if exists {
		e.locks.Unlock("fp:" + fingerprint)
		if handled, err := e.merge(ctx, id, ev); handled {
			finish(done, err)
			return
		}
		// The indexed incident is gone or no longer active, reclaim the key.
		e.locks.Lock("fp:" + fingerprint)
		e.dedup.Drop(fingerprint, id)
		if newID, taken := e.dedup.Get(fingerprint); taken {
			// Another worker re-took the key while we held no lock; the
			// detection belongs to its incident now.
			e.locks.Unlock("fp:" + fingerprint)
			if handled, err := e.merge(ctx, newID, ev); handled {
				finish(done, err)
				return
			}
			e.logger.Warn().
				Str("fingerprint", fingerprint).
				Str("incident_id", newID).
				Str("source_id", ev.SourceID).
				Msg("Re-taken incident vanished before merge, dropping detection")
			finish(done, nil)
			return
		}
	}

	inc := messages.NewIncident(fingerprint, ev, e.cfg.RetentionTTL)
	if err := e.store.PutIncident(ctx, inc); err != nil {
		e.locks.Unlock("fp:" + fingerprint)
		e.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("Failed to persist new incident")
		e.metrics.errorsTotal.WithLabelValues("store").Inc()
		finish(done, err)
		return
	}
	e.dedup.Put(fingerprint, inc.ID)
	e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
	e.locks.Unlock("fp:" + fingerprint)
	finish(done, nil)

	e.stats.recordCreated()
	e.logger.Info().
		Str("incident_id", inc.ID).
		Str("fingerprint", fingerprint).
		Str("source_id", ev.SourceID).
		Float64("confidence", ev.Confidence).
		Msg("Incident created")

	e.publishTransition(ctx, inc, "")
	e.run(ctx, inc)
}

// merge folds a duplicate detection into a live incident. handled=false means
// the incident cannot absorb it and the detection should open a new one; a
// non-nil error means the store refused and the caller should have the source
// redeliver. While the incident's pipeline is running the detection is parked
// instead of blocking behind the pipeline lock.
func (e *Engine) merge(ctx context.Context, id string, ev *messages.DetectionEvent) (bool, error) {
	if _, busy := e.inflight.Load(id); busy {
		e.bufferMerge(id, ev)
		// The pipeline may have finished between the check and the append.
		if _, busy := e.inflight.Load(id); !busy {
			e.flushPending(ctx, id)
		}
		return true, nil
	}

	e.locks.Lock("inc:" + id)
	defer e.locks.Unlock("inc:" + id)
	return e.applyMerge(ctx, id, ev)
}

// applyMerge loads, merges, and persists under the incident lock
func (e *Engine) applyMerge(ctx context.Context, id string, ev *messages.DetectionEvent) (bool, error) {
	inc, err := e.store.GetIncident(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Error().Err(err).Str("incident_id", id).Msg("Failed to load incident for merge")
			e.metrics.errorsTotal.WithLabelValues("store").Inc()
			return true, err
		}
		return false, nil
	}
	if !inc.Active(time.Now().UTC()) {
		return false, nil
	}

	inc.Snapshot.Merge(ev)
	inc.UpdatedAt = time.Now().UTC()
	if err := e.store.PutIncident(ctx, inc); err != nil {
		e.logger.Error().Err(err).Str("incident_id", id).Msg("Failed to persist merge")
		e.metrics.errorsTotal.WithLabelValues("store").Inc()
		return true, err
	}

	e.stats.recordMerged()
	e.metrics.detectionsTotal.WithLabelValues("merged").Inc()
	e.logger.Debug().
		Str("incident_id", id).
		Int("detection_count", inc.Snapshot.DetectionCount).
		Msg("Detection merged")
	return true, nil
}

func (e *Engine) bufferMerge(id string, ev *messages.DetectionEvent) {
	e.pendingMu.Lock()
	e.pending[id] = append(e.pending[id], ev)
	e.pendingMu.Unlock()
}

func (e *Engine) takePending(id string) []*messages.DetectionEvent {
	e.pendingMu.Lock()
	evs := e.pending[id]
	delete(e.pending, id)
	e.pendingMu.Unlock()
	return evs
}

// flushPending merges detections parked while the incident's pipeline ran
func (e *Engine) flushPending(ctx context.Context, id string) {
	evs := e.takePending(id)
	if len(evs) == 0 {
		return
	}

	e.locks.Lock("inc:" + id)
	defer e.locks.Unlock("inc:" + id)
	for _, ev := range evs {
		handled, err := e.applyMerge(ctx, id, ev)
		if !handled || err != nil {
			e.logger.Warn().
				Str("incident_id", id).
				Int("dropped", len(evs)).
				Msg("Parked duplicates could not be merged")
			return
		}
	}
}

// run drives an incident through analysis and dispatch, entering the pipeline
// at whatever state the incident is in so restarted engines can pick up where
// a dead process stopped. The incident lock is held for the whole pipeline;
// responder callbacks for it queue up behind, and duplicates parked meanwhile
// are merged once the lock drops.
func (e *Engine) run(ctx context.Context, inc *messages.Incident) {
	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	ictx, span := e.tracer.Start(ictx, "incident.pipeline", trace.WithAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("incident.fingerprint", inc.Fingerprint),
	))
	defer span.End()
	// Transitions persist on the outer context so a mid-pipeline cancel cannot
	// lose a state write; they still stamp the pipeline span on their events.
	ctx = trace.ContextWithSpan(ctx, span)

	defer e.flushPending(ctx, inc.ID)
	e.inflight.Store(inc.ID, &inflight{cancel: cancel})
	defer e.inflight.Delete(inc.ID)

	e.locks.Lock("inc:" + inc.ID)
	defer e.locks.Unlock("inc:" + inc.ID)

	if inc.State == messages.StateReceived {
		if err := e.transition(ctx, inc, messages.StateAnalyzing); err != nil {
			return
		}
	}

	if inc.State == messages.StateAnalyzing {
		start := time.Now()
		result, degraded := e.analyze(ictx, inc)
		e.metrics.stageLatency.WithLabelValues("analysis").Observe(time.Since(start).Seconds())
		if result == nil {
			// Cancelled or shutting down mid-analysis. A cancel callback will
			// finish the job once the lock is released.
			return
		}

		// Reload to pick up detections merged while analysis ran.
		if fresh, err := e.store.GetIncident(ctx, inc.ID); err == nil {
			inc = fresh
		}
		inc.Analysis = result
		inc.Degraded = degraded
		if degraded {
			e.stats.recordDegraded()
			e.metrics.errorsTotal.WithLabelValues("analysis_fallback").Inc()
		}
		if err := e.transition(ctx, inc, messages.StateAnalyzed); err != nil {
			return
		}
		e.stats.recordHotspot(inc.Snapshot.Location, result.Severity)
	}

	if inc.State == messages.StateAnalyzed {
		if err := e.transition(ctx, inc, messages.StateDispatching); err != nil {
			return
		}
	}

	if inc.State != messages.StateDispatching {
		return
	}

	start := time.Now()
	delivered := e.dispatch(ictx, inc)
	e.metrics.stageLatency.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	if ictx.Err() != nil && ctx.Err() == nil {
		return // cancelled mid-dispatch
	}

	if delivered > 0 {
		if err := e.transition(ctx, inc, messages.StateDispatched); err != nil {
			return
		}
		e.stats.recordDispatched()
		e.metrics.incidentsTotal.WithLabelValues("dispatched").Inc()
	} else {
		if err := e.transition(ctx, inc, messages.StateDispatchDeadLetter); err != nil {
			return
		}
		e.dedup.Drop(inc.Fingerprint, inc.ID)
		e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
		e.stats.recordDeadLettered()
		e.metrics.incidentsTotal.WithLabelValues("dead_letter").Inc()
		e.logger.Error().
			Str("incident_id", inc.ID).
			Str("severity", string(inc.Severity())).
			Msg("All notification channels failed, incident dead-lettered")
	}
}

// analyze obtains a severity assessment, falling back to the local heuristic
// when the reasoning service is slow, broken, or circuit-broken. A nil result
// means the context was cancelled.
func (e *Engine) analyze(ctx context.Context, inc *messages.Incident) (*messages.AnalysisResult, bool) {
	if !e.breaker.Allow() {
		e.metrics.breakerOpen.Set(1)
		e.logger.Warn().Str("incident_id", inc.ID).Msg("Analysis breaker open, using fallback heuristic")
		return FallbackAnalysis(inc.Snapshot), true
	}
	e.metrics.breakerOpen.Set(0)

	waitCtx, cancelWait := context.WithTimeout(ctx, e.cfg.AnalysisQueueWait)
	err := e.sem.Acquire(waitCtx, 1)
	cancelWait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		e.logger.Warn().Str("incident_id", inc.ID).Msg("Analysis slots saturated, using fallback heuristic")
		return FallbackAnalysis(inc.Snapshot), true
	}
	defer e.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.AnalysisAttempts; attempt++ {
		callCtx, cancelCall := context.WithTimeout(ctx, e.cfg.AnalysisTimeout)
		result, err := e.analyzer.Analyze(callCtx, inc.Snapshot)
		cancelCall()

		if err == nil {
			if verr := result.Validate(); verr != nil {
				err = &analysis.Error{Kind: analysis.KindMalformed, Err: verr}
			}
		}
		if err == nil {
			e.breaker.Record(true)
			return result, false
		}

		lastErr = err
		e.breaker.Record(false)
		e.metrics.errorsTotal.WithLabelValues("analysis").Inc()
		e.logger.Warn().Err(err).
			Str("incident_id", inc.ID).
			Int("attempt", attempt).
			Msg("Analysis attempt failed")

		if ctx.Err() != nil {
			return nil, false
		}
		if attempt < e.cfg.AnalysisAttempts {
			if e.cfg.AnalysisBackoff.Sleep(ctx, attempt) != nil {
				return nil, false
			}
		}
	}

	e.logger.Error().Err(lastErr).
		Str("incident_id", inc.ID).
		Msg("Analysis attempts exhausted, using fallback heuristic")
	return FallbackAnalysis(inc.Snapshot), true
}

// transition applies a lifecycle edge, persists, and publishes the event
func (e *Engine) transition(ctx context.Context, inc *messages.Incident, to messages.IncidentState) error {
	if err := checkTransition(inc.State, to); err != nil {
		return err
	}
	from := inc.State
	inc.State = to
	inc.UpdatedAt = time.Now().UTC()

	if err := e.store.PutIncident(ctx, inc); err != nil {
		inc.State = from
		e.logger.Error().Err(err).
			Str("incident_id", inc.ID).
			Str("to", string(to)).
			Msg("Failed to persist transition")
		e.metrics.errorsTotal.WithLabelValues("store").Inc()
		return err
	}

	e.metrics.transitionsTotal.WithLabelValues(string(to)).Inc()
	e.publishTransition(ctx, inc, from)
	return nil
}

func (e *Engine) publishTransition(ctx context.Context, inc *messages.Incident, from messages.IncidentState) {
	ev := messages.NewIncidentEvent("engine", inc, from)
	ev.Envelope = ev.Envelope.WithCorrelation(inc.Envelope.CorrelationID, inc.Envelope.MessageID)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ev.Envelope = ev.Envelope.WithTracing(sc.TraceID().String(), sc.SpanID().String())
	}
	if err := e.pub.PublishIncidentEvent(ctx, ev); err != nil {
		e.logger.Warn().Err(err).
			Str("incident_id", inc.ID).
			Str("to", string(inc.State)).
			Msg("Failed to publish lifecycle event")
	}
}

// sweep periodically removes expired incidents and refreshes the dedup index
func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			removed, err := e.store.ExpireOlderThan(ctx, now)
			if err != nil {
				e.logger.Error().Err(err).Msg("Retention sweep failed")
				e.metrics.errorsTotal.WithLabelValues("sweep").Inc()
				continue
			}
			if removed > 0 {
				e.logger.Info().Int("removed", removed).Msg("Expired incidents removed")
			}
			if active, err := e.store.ListActive(ctx, time.Time{}, ""); err == nil {
				e.dedup.Rebuild(active, now)
				e.metrics.liveFingerprints.Set(float64(e.dedup.Len()))
			}
		}
	}
}
