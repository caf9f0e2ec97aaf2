package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinelx/dispatch/pkg/messages"
)

func fingerprintEvent(sourceID string, lat, lon float64, at time.Time) *messages.DetectionEvent {
	ev := messages.NewDetectionEvent(sourceID)
	ev.Location = messages.Location{Lat: lat, Lon: lon}
	ev.CapturedAt = at
	return ev
}

// TestFingerprintBuckets tests spatial and temporal quantization
func TestFingerprintBuckets(t *testing.T) {
	fp := fingerprinter{cellMeters: 100, window: 60 * time.Second}
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	tests := []struct {
		name string
		a, b *messages.DetectionEvent
		same bool
	}{
		{
			name: "identical detections",
			a:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			b:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			same: true,
		},
		{
			name: "few meters apart, same window",
			a:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			b:    fingerprintEvent("cam-001", 52.52005, 13.40005, base.Add(10*time.Second)),
			same: true,
		},
		{
			name: "different source",
			a:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			b:    fingerprintEvent("cam-002", 52.52000, 13.40000, base),
			same: false,
		},
		{
			name: "several cells away",
			a:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			b:    fingerprintEvent("cam-001", 52.52500, 13.40000, base),
			same: false,
		},
		{
			name: "outside debounce window",
			a:    fingerprintEvent("cam-001", 52.52000, 13.40000, base),
			b:    fingerprintEvent("cam-001", 52.52000, 13.40000, base.Add(5*time.Minute)),
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fpA := fp.Fingerprint(tt.a)
			fpB := fp.Fingerprint(tt.b)
			if tt.same {
				assert.Equal(t, fpA, fpB)
			} else {
				assert.NotEqual(t, fpA, fpB)
			}
		})
	}
}

// TestDedupIndexDropGuard tests that Drop only releases the owning incident
func TestDedupIndexDropGuard(t *testing.T) {
	idx := newDedupIndex()

	idx.Put("fp-1", "inc-a")
	assert.Equal(t, 1, idx.Len())

	// Dropping on behalf of a stale owner is a no-op.
	idx.Drop("fp-1", "inc-b")
	id, ok := idx.Get("fp-1")
	assert.True(t, ok)
	assert.Equal(t, "inc-a", id)

	idx.Drop("fp-1", "inc-a")
	_, ok = idx.Get("fp-1")
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
}

// TestDedupIndexRebuild tests index reconstruction from stored incidents
func TestDedupIndexRebuild(t *testing.T) {
	now := time.Now().UTC()
	idx := newDedupIndex()
	idx.Put("stale", "gone")

	incidents := []*messages.Incident{
		{ID: "inc-1", Fingerprint: "fp-1", State: messages.StateDispatched, ExpiresAt: now.Add(time.Hour)},
		{ID: "inc-2", Fingerprint: "fp-2", State: messages.StateResolved, ExpiresAt: now.Add(time.Hour)},
		{ID: "inc-3", Fingerprint: "fp-3", State: messages.StateAcknowledged, ExpiresAt: now.Add(time.Hour)},
		{ID: "inc-4", Fingerprint: "fp-4", State: messages.StateAnalyzing, ExpiresAt: now.Add(-time.Minute)},
	}

	idx.Rebuild(incidents, now)

	assert.Equal(t, 1, idx.Len(), "only live incidents own fingerprints")
	id, ok := idx.Get("fp-1")
	assert.True(t, ok)
	assert.Equal(t, "inc-1", id)
	_, ok = idx.Get("stale")
	assert.False(t, ok)
}
