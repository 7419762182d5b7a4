// Package fusion implements the per-entity sliding-window selection core:
// ingest, scoring, candidate choice, publish gates, and the worker pool that
// drives publish and persist.
package fusion

import (
	"sync"

	"github.com/pelorus-track/pelorus/internal/track"
)

// window is one entity's time-ordered message buffer. Entries are kept
// ascending by TsMs; trimming removes from the front.
type window struct {
	mu      sync.Mutex
	entries []track.NormMsg
}

// insert places msg in timestamp order. Most arrivals are newest-last, so
// the common case is a plain append.
func (w *window) insert(msg track.NormMsg) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.entries)
	if n == 0 || w.entries[n-1].TsMs <= msg.TsMs {
		w.entries = append(w.entries, msg)
		return
	}
	i := n
	for i > 0 && w.entries[i-1].TsMs > msg.TsMs {
		i--
	}
	w.entries = append(w.entries, track.NormMsg{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = msg
}

// trimBefore drops entries at or before cutoffMs and reports whether the
// window is now empty. The window retains only ts > cutoff, so an entry
// exactly on the boundary ages out.
func (w *window) trimBefore(cutoffMs int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := 0
	for i < len(w.entries) && w.entries[i].TsMs <= cutoffMs {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
	return len(w.entries) == 0
}

// snapshot copies the current entries.
func (w *window) snapshot() []track.NormMsg {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]track.NormMsg(nil), w.entries...)
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
