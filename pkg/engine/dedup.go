package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Meters per degree of latitude, close enough for cell bucketing.
const metersPerDegree = 111320.0

// fingerprinter quantizes detections into spatial cells and time buckets so
// repeated sightings of the same scene collapse to one key
type fingerprinter struct {
	cellMeters float64
	window     time.Duration
}

// Fingerprint returns the dedup key for a detection. Two detections from the
// same source, in the same spatial cell, within the same debounce bucket get
// the same key.
func (f fingerprinter) Fingerprint(ev *messages.DetectionEvent) string {
	cellLat := f.cellMeters / metersPerDegree
	cellLon := cellLat
	if cos := math.Cos(ev.Location.Lat * math.Pi / 180); cos > 0.01 {
		cellLon = cellLat / cos
	}

	latCell := int64(math.Floor(ev.Location.Lat / cellLat))
	lonCell := int64(math.Floor(ev.Location.Lon / cellLon))
	bucket := ev.CapturedAt.Unix() / int64(f.window.Seconds())

	return fmt.Sprintf("%s:%d:%d:%d", ev.SourceID, latCell, lonCell, bucket)
}

// dedupIndex maps live fingerprints to incident IDs. It is an in-memory
// accelerator only; the store remains the source of truth and the index is
// rebuilt from it on startup.
type dedupIndex struct {
	mu   sync.Mutex
	live map[string]string
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{live: make(map[string]string)}
}

func (d *dedupIndex) Get(fp string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.live[fp]
	return id, ok
}

func (d *dedupIndex) Put(fp, incidentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[fp] = incidentID
}

// Drop releases a fingerprint, but only if it still points at the given
// incident. A newer incident may have reclaimed the key.
func (d *dedupIndex) Drop(fp, incidentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live[fp] == incidentID {
		delete(d.live, fp)
	}
}

func (d *dedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Rebuild replaces the index with entries for the given active incidents
func (d *dedupIndex) Rebuild(incidents []*messages.Incident, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = make(map[string]string, len(incidents))
	for _, inc := range incidents {
		if inc.Active(now) {
			d.live[inc.Fingerprint] = inc.ID
		}
	}
}
