// Package debounce suppresses repeated notifications of the same kind for
// the same path inside a fixed window.
package debounce

import (
	"sync"
	"time"

	"github.com/tripwire/folderaudit/internal/source"
)

// Window is the minimum interval between two accepted events sharing a key.
// An event exactly Window after the last accepted one is accepted.
const Window = 500 * time.Millisecond

type key struct {
	kind source.Kind
	path string
}

// Debouncer remembers, per (kind, path), when the last event was accepted.
//
// It is driven by the single pump goroutine, so the mutex is never
// contended; it only guarantees the map cannot be corrupted if a second
// source were ever composed into the same pipeline. Entries are never
// evicted.
type Debouncer struct {
	mu       sync.Mutex
	lastSeen map[key]time.Time
}

// New returns an empty Debouncer.
func New() *Debouncer {
	return &Debouncer{lastSeen: make(map[key]time.Time)}
}

// Accept reports whether an event of kind on path at ts should be kept. The
// first event for a key is always kept; a later one is kept when at least
// Window has elapsed since the last kept one. Keeping an event records ts as
// the key's new last-seen time.
func (d *Debouncer) Accept(kind source.Kind, path string, ts time.Time) bool {
	k := key{kind: kind, path: path}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSeen[k]; ok && ts.Sub(last) < Window {
		return false
	}
	d.lastSeen[k] = ts
	return true
}

// Len returns the number of tracked keys.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lastSeen)
}
