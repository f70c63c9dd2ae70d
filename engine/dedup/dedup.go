// Package dedup suppresses repeat alerts for the same underlying risk event
// within a sliding time window, keyed by event fingerprint.
package dedup

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is how long a fingerprint suppresses repeats.
const DefaultWindow = 24 * time.Hour

// Deduplicator tracks recently emitted event fingerprints. Expired entries
// are evicted lazily on access, so an idle deduplicator costs nothing.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time // fingerprint → first emission time
	now    func() time.Time
}

// New creates a Deduplicator. A non-positive window falls back to
// DefaultWindow.
func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// ShouldEmit reports whether an event with this fingerprint may be emitted,
// and if so records it. The check and the record are one atomic step so two
// concurrent workers can never both emit the same fingerprint.
func (d *Deduplicator) ShouldEmit(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[fingerprint]; ok {
		if now.Sub(first) < d.window {
			return false
		}
		// Window elapsed: the same risk resurfacing is a new emission.
	}
	d.seen[fingerprint] = now
	d.evictLocked(now)
	return true
}

// Forget releases a fingerprint before its window elapses. Used when a
// recorded event is abandoned without ever emitting an alert, so the same
// risk resurfacing is not suppressed.
func (d *Deduplicator) Forget(fingerprint string) {
	d.mu.Lock()
	delete(d.seen, fingerprint)
	d.mu.Unlock()
}

// Seen reports whether a fingerprint is currently suppressed, without
// recording anything.
func (d *Deduplicator) Seen(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first, ok := d.seen[fingerprint]
	return ok && d.now().Sub(first) < d.window
}

// Len returns the number of live (unexpired) fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
	return len(d.seen)
}

func (d *Deduplicator) evictLocked(now time.Time) {
	for fp, first := range d.seen {
		if now.Sub(first) >= d.window {
			delete(d.seen, fp)
		}
	}
}

// snapshot is the wire form of dedup state inside a checkpoint.
type snapshot struct {
	Window time.Duration        `json:"window"`
	Seen   map[string]time.Time `json:"seen"`
}

// Snapshot serializes the live fingerprint set for checkpointing.
func (d *Deduplicator) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())

	seen := make(map[string]time.Time, len(d.seen))
	for fp, t := range d.seen {
		seen[fp] = t.UTC()
	}
	data, err := json.Marshal(snapshot{Window: d.window, Seen: seen})
	if err != nil {
		return nil, fmt.Errorf("dedup: snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the deduplicator's state from a checkpoint snapshot.
// Entries already past the window are dropped on the way in. An empty
// snapshot resets to a clean state.
func (d *Deduplicator) Restore(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen = make(map[string]time.Time)
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("dedup: restore: %w", err)
	}
	now := d.now()
	for fp, t := range snap.Seen {
		if now.Sub(t) < d.window {
			d.seen[fp] = t
		}
	}
	return nil
}
