// Package tracker provides a rolling-window throughput estimator used for
// pending-event metrics during replay and drain.
package tracker

import (
	"sync"
	"time"
)

// DefaultWindowSeconds is the rolling window length when none is configured.
const DefaultWindowSeconds = 5

// BacklogUnknown marks an unset backlog. Metrics report an ETA of -1 until a
// backlog is known.
const BacklogUnknown = int64(-1)

// Tracker counts processed events over a rolling window of per-second buckets
// and derives events/sec plus an ETA against a known backlog.
type Tracker struct {
	mu      sync.Mutex
	buckets []uint64
	// stamps holds the unix second each bucket was last written; stale buckets
	// are zeroed lazily on access.
	stamps  []int64
	backlog int64

	now func() time.Time
}

// New returns a Tracker with the given rolling window in seconds. Values < 1
// fall back to DefaultWindowSeconds.
func New(windowSeconds int) *Tracker {
	if windowSeconds < 1 {
		windowSeconds = DefaultWindowSeconds
	}
	return &Tracker{
		buckets: make([]uint64, windowSeconds),
		stamps:  make([]int64, windowSeconds),
		backlog: BacklogUnknown,
		now:     time.Now,
	}
}

// Reset clears counts and backlog.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		t.buckets[i] = 0
		t.stamps[i] = 0
	}
	t.backlog = BacklogUnknown
}

// Increment records one processed event and decrements a known backlog.
func (t *Tracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	i := int(sec % int64(len(t.buckets)))
	if t.stamps[i] != sec {
		t.buckets[i] = 0
		t.stamps[i] = sec
	}
	t.buckets[i]++
	if t.backlog > 0 {
		t.backlog--
	}
}

// SetBacklog sets the remaining known backlog. Pass BacklogUnknown to clear.
func (t *Tracker) SetBacklog(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backlog = n
}

// Metrics returns (queued, eventsPerSecond, etaSeconds). Queued is 0 when the
// backlog is unknown; ETA is -1 when the rate is zero or the backlog unknown.
func (t *Tracker) Metrics() (int64, float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sec := t.now().Unix()
	window := int64(len(t.buckets))
	var total uint64
	for i := range t.buckets {
		if t.stamps[i] > sec-window {
			total += t.buckets[i]
		}
	}
	rate := float64(total) / float64(window)

	queued := t.backlog
	if queued < 0 {
		queued = 0
	}
	eta := float64(-1)
	if rate > 0 && t.backlog >= 0 {
		eta = float64(t.backlog) / rate
	}
	return queued, rate, eta
}
