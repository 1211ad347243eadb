package admission

import (
	"time"
)

// window is a sliding-window rate counter keyed by string. Stale hits
// are pruned lazily on access; an emptied key is removed so idle origins
// do not accumulate. The window is not self-synchronizing: the
// Controller's mutex guards every call so a check and its matching
// record form one critical section.
type window struct {
	limit int
	dur   time.Duration
	hits  map[string][]time.Time
	now   func() time.Time // injectable for tests
}

func newWindow(limit int, dur time.Duration) *window {
	return &window{
		limit: limit,
		dur:   dur,
		hits:  make(map[string][]time.Time),
		now:   time.Now,
	}
}

// allow reports whether key is below its ceiling. Does not consume.
func (w *window) allow(key string) bool {
	return len(w.prune(key)) < w.limit
}

// record registers one hit for key.
func (w *window) record(key string) {
	w.hits[key] = append(w.prune(key), w.now())
}

// prune drops expired timestamps for key and returns the remainder.
func (w *window) prune(key string) []time.Time {
	cutoff := w.now().Add(-w.dur)
	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(w.hits, key)
		return nil
	}
	w.hits[key] = kept
	return kept
}
