package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

const maxHotspots = 100

// Hotspot is a recent analyzed incident location for map overlays
type Hotspot struct {
	Location messages.Location     `json:"location"`
	Severity messages.SeverityTier `json:"severity"`
	SeenAt   time.Time             `json:"seen_at"`
}

// Stats is a point-in-time view of engine activity
type Stats struct {
	IncidentsCreated      int64     `json:"incidents_created"`
	DetectionsMerged      int64     `json:"detections_merged"`
	DetectionsRejected    int64     `json:"detections_rejected"`
	AnalysisFallbacks     int64     `json:"analysis_fallbacks"`
	IncidentsDispatched   int64     `json:"incidents_dispatched"`
	IncidentsAcknowledged int64     `json:"incidents_acknowledged"`
	IncidentsResolved     int64     `json:"incidents_resolved"`
	IncidentsDeadLettered int64     `json:"incidents_dead_lettered"`
	LiveFingerprints      int       `json:"live_fingerprints"`
	QueueDepth            int       `json:"queue_depth"`
	BreakerState          string    `json:"breaker_state"`
	Hotspots              []Hotspot `json:"hotspots"`
}

// statsTracker accumulates counters and a bounded ring of recent hotspots
type statsTracker struct {
	created      atomic.Int64
	merged       atomic.Int64
	rejected     atomic.Int64
	degraded     atomic.Int64
	dispatched   atomic.Int64
	acknowledged atomic.Int64
	resolved     atomic.Int64
	deadLettered atomic.Int64

	mu       sync.Mutex
	hotspots []Hotspot
}

func newStatsTracker() *statsTracker {
	return &statsTracker{}
}

func (s *statsTracker) recordCreated()      { s.created.Add(1) }
func (s *statsTracker) recordMerged()       { s.merged.Add(1) }
func (s *statsTracker) recordRejected()     { s.rejected.Add(1) }
func (s *statsTracker) recordDegraded()     { s.degraded.Add(1) }
func (s *statsTracker) recordDispatched()   { s.dispatched.Add(1) }
func (s *statsTracker) recordAcknowledged() { s.acknowledged.Add(1) }
func (s *statsTracker) recordResolved()     { s.resolved.Add(1) }
func (s *statsTracker) recordDeadLettered() { s.deadLettered.Add(1) }

func (s *statsTracker) recordHotspot(loc messages.Location, sev messages.SeverityTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotspots = append(s.hotspots, Hotspot{Location: loc, Severity: sev, SeenAt: time.Now().UTC()})
	if len(s.hotspots) > maxHotspots {
		s.hotspots = s.hotspots[len(s.hotspots)-maxHotspots:]
	}
}

func (s *statsTracker) snapshotHotspots() []Hotspot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hotspot, len(s.hotspots))
	copy(out, s.hotspots)
	return out
}

// Stats returns a snapshot of engine activity
func (e *Engine) Stats() Stats {
	return Stats{
		IncidentsCreated:      e.stats.created.Load(),
		DetectionsMerged:      e.stats.merged.Load(),
		DetectionsRejected:    e.stats.rejected.Load(),
		AnalysisFallbacks:     e.stats.degraded.Load(),
		IncidentsDispatched:   e.stats.dispatched.Load(),
		IncidentsAcknowledged: e.stats.acknowledged.Load(),
		IncidentsResolved:     e.stats.resolved.Load(),
		IncidentsDeadLettered: e.stats.deadLettered.Load(),
		LiveFingerprints:      e.dedup.Len(),
		QueueDepth:            len(e.queue),
		BreakerState:          e.breaker.State(),
		Hotspots:              e.stats.snapshotHotspots(),
	}
}
