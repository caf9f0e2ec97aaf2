package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelx/dispatch/pkg/analysis"
	"github.com/sentinelx/dispatch/pkg/messages"
	"github.com/sentinelx/dispatch/pkg/notify"
)

// memStore is an in-memory Store for engine tests
type memStore struct {
	mu         sync.Mutex
	incidents  map[string]*messages.Incident
	rejections []string
	putErr     error
	getHook    func(id string)
}

func newMemStore() *memStore {
	return &memStore{incidents: make(map[string]*messages.Incident)}
}

func (s *memStore) PutIncident(ctx context.Context, inc *messages.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *memStore) GetIncident(ctx context.Context, id string) (*messages.Incident, error) {
	s.mu.Lock()
	hook := s.getHook
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (s *memStore) GetByFingerprint(ctx context.Context, fingerprint string) (*messages.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.Fingerprint == fingerprint && inc.Active(time.Now().UTC()) {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ListActive(ctx context.Context, since time.Time, severity messages.SeverityTier) ([]*messages.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*messages.Incident
	for _, inc := range s.incidents {
		if inc.Active(time.Now().UTC()) {
			cp := *inc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, inc := range s.incidents {
		if inc.Expired(cutoff) {
			delete(s.incidents, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memStore) RecordRejection(ctx context.Context, ev *messages.DetectionEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = append(s.rejections, reason)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incidents)
}

func (s *memStore) byState(state messages.IncidentState) []*messages.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*messages.Incident
	for _, inc := range s.incidents {
		if inc.State == state {
			cp := *inc
			out = append(out, &cp)
		}
	}
	return out
}

// recChannel records deliveries and fails a configurable number of times
type recChannel struct {
	name      string
	failFirst int
	permanent bool

	mu     sync.Mutex
	tokens []string
	calls  int
}

func (c *recChannel) Name() string { return c.name }

func (c *recChannel) Send(ctx context.Context, d notify.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.tokens = append(c.tokens, d.Token)
	if c.calls <= c.failFirst {
		err := fmt.Errorf("send failed")
		if c.permanent {
			return notify.Permanent(err)
		}
		return err
	}
	return nil
}

func (c *recChannel) sentTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// recPublisher captures lifecycle events
type recPublisher struct {
	mu     sync.Mutex
	events []*messages.IncidentEvent
}

func (p *recPublisher) PublishIncidentEvent(ctx context.Context, ev *messages.IncidentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recPublisher) states() []messages.IncidentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messages.IncidentState, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.To)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AnalysisBackoff = BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond}
	cfg.DispatchBackoff = BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond}
	cfg.AnalysisTimeout = 100 * time.Millisecond
	cfg.DispatchTimeout = 100 * time.Millisecond
	return cfg
}

func newTestEngine(cfg Config, store Store, client analysis.Client, channels []notify.Channel, pub Publisher) *Engine {
	return New(cfg, store, client, channels, pub, zerolog.Nop(), prometheus.NewRegistry())
}

func validDetection(sourceID string) *messages.DetectionEvent {
	ev := messages.NewDetectionEvent(sourceID)
	ev.CapturedAt = time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	ev.Location = messages.Location{Lat: 52.52, Lon: 13.40}
	ev.Confidence = 0.9
	ev.VehicleCount = 2
	return ev
}

// TestSubmitRejectsInvalidDetections tests admission validation and audit
func TestSubmitRejectsInvalidDetections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*messages.DetectionEvent)
		wantErr error
		reason  string
	}{
		{
			name:    "low confidence",
			mutate:  func(ev *messages.DetectionEvent) { ev.Confidence = 0.5 },
			wantErr: ErrLowConfidence,
			reason:  "LOW_CONFIDENCE",
		},
		{
			name:    "confidence out of range",
			mutate:  func(ev *messages.DetectionEvent) { ev.Confidence = 1.4 },
			wantErr: ErrInvalidConfidence,
			reason:  "INVALID_CONFIDENCE",
		},
		{
			name:    "invalid location",
			mutate:  func(ev *messages.DetectionEvent) { ev.Location.Lat = 95 },
			wantErr: ErrInvalidLocation,
			reason:  "INVALID_LOCATION",
		},
		{
			name:    "missing location",
			mutate:  func(ev *messages.DetectionEvent) { ev.Location = messages.Location{} },
			wantErr: ErrInvalidLocation,
			reason:  "INVALID_LOCATION",
		},
		{
			name:    "missing source",
			mutate:  func(ev *messages.DetectionEvent) { ev.SourceID = "" },
			wantErr: ErrMissingSource,
			reason:  "MISSING_SOURCE",
		},
		{
			name:    "missing timestamp",
			mutate:  func(ev *messages.DetectionEvent) { ev.CapturedAt = time.Time{} },
			wantErr: ErrMissingTimestamp,
			reason:  "MISSING_TIMESTAMP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, nil, &recPublisher{})

			ev := validDetection("cam-001")
			tt.mutate(ev)

			err := eng.Submit(context.Background(), ev)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			require.Len(t, store.rejections, 1, "rejection should be audited")
			assert.Equal(t, tt.reason, store.rejections[0])
			assert.Equal(t, 0, store.count(), "no incident should be created")
		})
	}
}

// TestSubmitQueueFull tests backpressure on a saturated queue
func TestSubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	eng := newTestEngine(cfg, newMemStore(), &analysis.StubClient{}, nil, &recPublisher{})

	// No workers are running, the first submit fills the queue.
	require.NoError(t, eng.Submit(context.Background(), validDetection("cam-001")))

	err := eng.Submit(context.Background(), validDetection("cam-002"))
	assert.ErrorIs(t, err, ErrBusy)
}

// TestPipelineDispatchesIncident tests the full happy path through analysis
// and notification
func TestPipelineDispatchesIncident(t *testing.T) {
	store := newMemStore()
	pub := &recPublisher{}
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, pub)

	eng.process(context.Background(), validDetection("cam-001"), nil)

	require.Equal(t, 1, store.count())
	dispatched := store.byState(messages.StateDispatched)
	require.Len(t, dispatched, 1)
	inc := dispatched[0]

	assert.False(t, inc.Degraded)
	require.NotNil(t, inc.Analysis)
	assert.True(t, inc.Analysis.Severity.Valid())

	rec := inc.Dispatches["webhook"]
	require.NotNil(t, rec)
	assert.Equal(t, messages.OutcomeDelivered, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, fmt.Sprintf("%s:webhook:1", inc.ID), rec.Token)

	assert.Equal(t, []messages.IncidentState{
		messages.StateReceived,
		messages.StateAnalyzing,
		messages.StateAnalyzed,
		messages.StateDispatching,
		messages.StateDispatched,
	}, pub.states(), "lifecycle events should be published in order")
}

// TestDuplicateDetectionMerges tests that repeat sightings fold into the open
// incident instead of creating a second one
func TestDuplicateDetectionMerges(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	first := validDetection("cam-001")
	eng.process(context.Background(), first, nil)
	require.Equal(t, 1, store.count())

	// Same source, same cell, same debounce bucket, higher confidence.
	dup := validDetection("cam-001")
	dup.CapturedAt = first.CapturedAt.Add(3 * time.Second)
	dup.Confidence = 0.97
	dup.VehicleCount = 3
	eng.process(context.Background(), dup, nil)

	assert.Equal(t, 1, store.count(), "duplicate must not open a second incident")
	assert.Equal(t, int64(1), eng.Stats().IncidentsCreated)
	assert.Equal(t, int64(1), eng.Stats().DetectionsMerged)

	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	assert.Equal(t, 2, incs[0].Snapshot.DetectionCount)
	assert.Equal(t, 0.97, incs[0].Snapshot.Confidence)
	assert.Equal(t, 3, incs[0].Snapshot.VehicleCount)
}

// TestAnalyzerFailureFallsBack tests degraded-mode assessment when the
// reasoning service keeps failing
func TestAnalyzerFailureFallsBack(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	client := &analysis.StubClient{Err: &analysis.Error{Kind: analysis.KindService, Err: errors.New("boom")}}
	eng := newTestEngine(testConfig(), store, client, []notify.Channel{ch}, &recPublisher{})

	ev := validDetection("cam-001")
	ev.Indicators = []string{messages.IndicatorCasualtiesLikely}
	eng.process(context.Background(), ev, nil)

	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	inc := incs[0]

	assert.True(t, inc.Degraded, "fallback assessments are flagged degraded")
	require.NotNil(t, inc.Analysis)
	assert.GreaterOrEqual(t, inc.Analysis.Severity.Rank(), messages.SeverityHigh.Rank(),
		"casualty indicator floors the heuristic at High")
	assert.Contains(t, inc.Analysis.Justification, "local heuristic")
	assert.Equal(t, int64(1), eng.Stats().AnalysisFallbacks)
}

// TestMalformedAnalysisFallsBack tests that a schema-invalid assessment is
// treated as an analyzer failure
func TestMalformedAnalysisFallsBack(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	client := &analysis.StubClient{Result: &messages.AnalysisResult{Severity: "EXTREME"}}
	eng := newTestEngine(testConfig(), store, client, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)

	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	assert.True(t, incs[0].Degraded)
	require.NotNil(t, incs[0].Analysis)
	assert.NoError(t, incs[0].Analysis.Validate())
}

// TestDispatchRetriesShareToken tests bounded retries with a stable
// idempotency token within one dispatch cycle
func TestDispatchRetriesShareToken(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook", failFirst: 2}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)

	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	rec := incs[0].Dispatches["webhook"]
	require.NotNil(t, rec)
	assert.Equal(t, messages.OutcomeDelivered, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)

	tokens := ch.sentTokens()
	require.Len(t, tokens, 3)
	assert.Equal(t, tokens[0], tokens[1])
	assert.Equal(t, tokens[1], tokens[2], "retries within a cycle reuse the token")
}

// TestPermanentDeliveryFailureStopsRetrying tests that non-retryable errors
// short-circuit the retry loop
func TestPermanentDeliveryFailureStopsRetrying(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook", failFirst: 10, permanent: true}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)

	assert.Equal(t, 1, ch.calls, "permanent failure must not be retried")
	incs := store.byState(messages.StateDispatchDeadLetter)
	require.Len(t, incs, 1)
	assert.Equal(t, messages.OutcomeFailed, incs[0].Dispatches["webhook"].Outcome)
}

// TestDeadLetterReleasesFingerprint tests that a dead-lettered incident frees
// its dedup key for a fresh detection
func TestDeadLetterReleasesFingerprint(t *testing.T) {
	store := newMemStore()
	failing := &recChannel{name: "webhook", failFirst: 100, permanent: true}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{failing}, &recPublisher{})

	first := validDetection("cam-001")
	eng.process(context.Background(), first, nil)
	require.Len(t, store.byState(messages.StateDispatchDeadLetter), 1)
	assert.Equal(t, 0, eng.dedup.Len())

	// A new detection at the same scene opens a fresh incident.
	failing.mu.Lock()
	failing.failFirst = 0
	failing.mu.Unlock()

	dup := validDetection("cam-001")
	dup.CapturedAt = first.CapturedAt.Add(time.Second)
	eng.process(context.Background(), dup, nil)

	assert.Equal(t, 2, store.count())
	assert.Len(t, store.byState(messages.StateDispatched), 1)
}

// TestMultiChannelPartialDelivery tests that one successful channel is enough
// to reach DISPATCHED
func TestMultiChannelPartialDelivery(t *testing.T) {
	store := newMemStore()
	good := &recChannel{name: "telegram"}
	bad := &recChannel{name: "webhook", failFirst: 100, permanent: true}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{good, bad}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)

	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	assert.Equal(t, messages.OutcomeDelivered, incs[0].Dispatches["telegram"].Outcome)
	assert.Equal(t, messages.OutcomeFailed, incs[0].Dispatches["webhook"].Outcome)
}

// TestAcknowledgeResolveFlow tests the responder callback path
func TestAcknowledgeResolveFlow(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)
	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	id := incs[0].ID

	inc, err := eng.Acknowledge(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, messages.StateAcknowledged, inc.State)
	require.NotNil(t, inc.AcknowledgedAt)
	assert.Equal(t, 0, eng.dedup.Len(), "acknowledged incidents release their fingerprint")

	// Acknowledging twice is an invalid transition.
	_, err = eng.Acknowledge(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	inc, err = eng.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, messages.StateResolved, inc.State)
	require.NotNil(t, inc.ResolvedAt)
	assert.Greater(t, inc.ResponseTime, time.Duration(0))

	// Terminal, nothing further applies.
	_, err = eng.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestResolveRequiresAcknowledge tests that resolution cannot skip the
// acknowledgement step
func TestResolveRequiresAcknowledge(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)
	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)

	_, err := eng.Resolve(context.Background(), incs[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestCancelDispatchedIncident tests cancellation of a live incident
func TestCancelDispatchedIncident(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	first := validDetection("cam-001")
	eng.process(context.Background(), first, nil)
	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)

	inc, err := eng.Cancel(context.Background(), incs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StateCancelled, inc.State)
	assert.Equal(t, 0, eng.dedup.Len())

	// The scene can be re-reported after cancellation.
	dup := validDetection("cam-001")
	dup.CapturedAt = first.CapturedAt.Add(time.Second)
	eng.process(context.Background(), dup, nil)
	assert.Equal(t, 2, store.count())
}

// TestCallbacksOnUnknownIncident tests the not-found path
func TestCallbacksOnUnknownIncident(t *testing.T) {
	eng := newTestEngine(testConfig(), newMemStore(), &analysis.StubClient{}, nil, &recPublisher{})

	_, err := eng.Acknowledge(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Resolve(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Cancel(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestApplyRoutesCommands tests command routing by action
func TestApplyRoutesCommands(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	eng.process(context.Background(), validDetection("cam-001"), nil)
	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	id := incs[0].ID

	inc, err := eng.Apply(context.Background(), &messages.IncidentCommand{IncidentID: id, Action: messages.ActionAcknowledge})
	require.NoError(t, err)
	assert.Equal(t, messages.StateAcknowledged, inc.State)

	_, err = eng.Apply(context.Background(), &messages.IncidentCommand{IncidentID: id, Action: "escalate"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestEngineStats tests the stats snapshot after a mixed workload
func TestEngineStats(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	low := validDetection("cam-001")
	low.Confidence = 0.2
	require.Error(t, eng.Submit(context.Background(), low))

	eng.process(context.Background(), validDetection("cam-002"), nil)

	stats := eng.Stats()
	assert.Equal(t, int64(1), stats.IncidentsCreated)
	assert.Equal(t, int64(1), stats.DetectionsRejected)
	assert.Equal(t, int64(1), stats.IncidentsDispatched)
	assert.Equal(t, BreakerClosed, stats.BreakerState)
	require.Len(t, stats.Hotspots, 1)
	assert.True(t, stats.Hotspots[0].Severity.Valid())
	assert.False(t, stats.Hotspots[0].SeenAt.IsZero())
}

// TestProcessReportsPersistenceOutcome tests the completion callback the
// consumer uses to ack a detection only after it is durable
func TestProcessReportsPersistenceOutcome(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	var got []error
	record := func(err error) { got = append(got, err) }

	first := validDetection("cam-001")
	eng.process(context.Background(), first, record)
	require.Len(t, got, 1)
	assert.NoError(t, got[0], "stored incident completes the callback with nil")

	// A duplicate completes once the merge is persisted.
	dup := validDetection("cam-001")
	dup.CapturedAt = first.CapturedAt.Add(time.Second)
	eng.process(context.Background(), dup, record)
	require.Len(t, got, 2)
	assert.NoError(t, got[1])

	// A store failure surfaces through the callback so the source redelivers.
	boom := errors.New("connection refused")
	store.mu.Lock()
	store.putErr = boom
	store.mu.Unlock()

	far := validDetection("cam-002")
	far.Location = messages.Location{Lat: 40.41, Lon: -3.70}
	eng.process(context.Background(), far, record)
	require.Len(t, got, 3)
	assert.ErrorIs(t, got[2], boom)
	assert.Equal(t, 1, store.count(), "failed persist must not leave an incident behind")
}

// TestStartResumesUnfinishedIncidents tests that incidents persisted before a
// crash are driven to completion on the next startup
func TestStartResumesUnfinishedIncidents(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	received := messages.NewIncident("fp-received", validDetection("cam-001"), time.Hour)
	require.NoError(t, store.PutIncident(context.Background(), received))

	analyzed := messages.NewIncident("fp-analyzed", validDetection("cam-002"), time.Hour)
	analyzed.State = messages.StateAnalyzed
	analyzed.Analysis = FallbackAnalysis(analyzed.Snapshot)
	analyzed.Degraded = true
	require.NoError(t, store.PutIncident(context.Background(), analyzed))

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	require.Eventually(t, func() bool {
		return len(store.byState(messages.StateDispatched)) == 2
	}, 2*time.Second, 10*time.Millisecond, "both interrupted incidents should reach DISPATCHED")

	got, err := store.GetIncident(context.Background(), analyzed.ID)
	require.NoError(t, err)
	rec := got.Dispatches["webhook"]
	require.NotNil(t, rec)
	assert.Equal(t, messages.OutcomeDelivered, rec.Outcome)
}

// TestReclaimMergesIntoNewOwner tests the race where another worker re-takes
// a fingerprint between the stale drop and the re-check; the detection must
// fold into the new owner instead of being discarded
func TestReclaimMergesIntoNewOwner(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	ev := validDetection("cam-001")
	fp := eng.fp.Fingerprint(ev)

	stale := messages.NewIncident(fp, validDetection("cam-001"), time.Hour)
	stale.State = messages.StateCancelled
	require.NoError(t, store.PutIncident(context.Background(), stale))

	owner := messages.NewIncident(fp, validDetection("cam-001"), time.Hour)
	owner.State = messages.StateDispatched
	owner.Analysis = FallbackAnalysis(owner.Snapshot)
	require.NoError(t, store.PutIncident(context.Background(), owner))

	eng.dedup.Put(fp, stale.ID)
	store.mu.Lock()
	store.getHook = func(id string) {
		// Simulates a concurrent worker taking the key while no lock is held.
		if id == stale.ID {
			eng.dedup.Put(fp, owner.ID)
		}
	}
	store.mu.Unlock()

	eng.process(context.Background(), ev, nil)

	assert.Equal(t, 2, store.count(), "the detection must not open a third incident")
	got, err := store.GetIncident(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Snapshot.DetectionCount, "the detection folds into the new owner")
	assert.Equal(t, int64(1), eng.Stats().DetectionsMerged)
}

// TestDuplicateDuringPipelineDoesNotBlock tests that a duplicate arriving
// while the incident's pipeline runs is parked instead of holding a worker
// behind the pipeline lock, then merged once the pipeline finishes
func TestDuplicateDuringPipelineDoesNotBlock(t *testing.T) {
	store := newMemStore()
	ch := &recChannel{name: "webhook"}
	eng := newTestEngine(testConfig(), store, &analysis.StubClient{}, []notify.Channel{ch}, &recPublisher{})

	first := validDetection("cam-001")
	eng.process(context.Background(), first, nil)
	incs := store.byState(messages.StateDispatched)
	require.Len(t, incs, 1)
	id := incs[0].ID

	// Simulate the pipeline still running: lock held, incident in flight.
	eng.inflight.Store(id, &inflight{cancel: func() {}})
	eng.locks.Lock("inc:" + id)

	dup := validDetection("cam-001")
	dup.CapturedAt = first.CapturedAt.Add(time.Second)

	finished := make(chan error, 1)
	go func() {
		eng.process(context.Background(), dup, func(err error) { finished <- err })
	}()

	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("duplicate blocked behind the running pipeline")
	}

	got, err := store.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Snapshot.DetectionCount, "merge waits for the pipeline")

	eng.locks.Unlock("inc:" + id)
	eng.inflight.Delete(id)
	eng.flushPending(context.Background(), id)

	got, err = store.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Snapshot.DetectionCount, "parked duplicate merges after the pipeline")
	assert.Equal(t, int64(1), eng.Stats().DetectionsMerged)
}
