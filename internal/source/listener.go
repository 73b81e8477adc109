package source

import (
	"sync"
	"time"

	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/tracker"
	"github.com/histore/histore/pkg/eventid"
	"github.com/histore/histore/pkg/log"
)

// DefaultReplayBatchSize bounds how many stored events a single cache read
// pulls during replay.
const DefaultReplayBatchSize = 128

// catchUpWait is how long the catch-up pass waits for an append racing the
// exhaustion check before the confirming read.
const catchUpWait = 10 * time.Millisecond

// NextEventFunc receives an in-order replayed event.
type NextEventFunc func(ev history.Event)

// MissedEventFunc receives an event whose id fell at or below the listener's
// delivery watermark and therefore cannot join the ordered stream.
type MissedEventFunc func(ev history.Event)

// CompletedFunc fires exactly once per run when the stored range is exhausted.
type CompletedFunc func()

// Listener replays one (guild, category) slice of a history cache in ascending
// id order. It does not forward live appends; those fan out through cache
// listener registrations held by whoever owns this Listener.
type Listener struct {
	cache    *history.Cache
	category uint32
	logger   log.Logger
	tracker  *tracker.Tracker

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	// cursor of the next event to deliver; advanced only by the replay loop.
	cursor eventid.Key
	// last delivered id, the listener-local watermark.
	delivered eventid.Key

	batchSize     int
	afterID       eventid.Key // deliver ids strictly above
	beforeID      eventid.Key // deliver ids strictly below; Zero means unbounded
	afterTimeMs   int64       // deliver timestamps strictly above; 0 means unbounded
	beforeTimeMs  int64       // deliver timestamps at or below; 0 means unbounded
	stopOnLast    bool
	onNext        NextEventFunc
	onMissed      MissedEventFunc
	onCompleted   CompletedFunc
}

// New returns a stopped Listener over one category of the given cache.
func New(cache *history.Cache, category uint32, logger log.Logger) *Listener {
	return &Listener{
		cache:     cache,
		category:  category,
		logger:    logger.With(log.Uint64("guild", cache.GuildID()), log.Int("category", int(category))),
		tracker:   tracker.New(tracker.DefaultWindowSeconds),
		batchSize: DefaultReplayBatchSize,
	}
}

// Category returns the cache category this listener replays.
func (l *Listener) Category() uint32 { return l.category }

// Cache returns the backing history cache.
func (l *Listener) Cache() *history.Cache { return l.cache }

// IsRunning reports whether a replay cycle is active.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// guarded applies fn only while the listener is stopped, reporting whether the
// mutation was applied.
func (l *Listener) guarded(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	fn()
	return true
}

// SetReplayBatchSize bounds per-read batch size for the next run.
func (l *Listener) SetReplayBatchSize(n int) bool {
	if n < 1 {
		return false
	}
	return l.guarded(func() { l.batchSize = n })
}

// SetAfterEventID restricts replay to events with id strictly above key.
func (l *Listener) SetAfterEventID(key eventid.Key) bool {
	return l.guarded(func() { l.afterID = key })
}

// SetBeforeEventID restricts replay to events with id strictly below key.
func (l *Listener) SetBeforeEventID(key eventid.Key) bool {
	return l.guarded(func() { l.beforeID = key })
}

// SetAfterTime restricts replay to events with timestamps strictly above ms.
func (l *Listener) SetAfterTime(ms int64) bool {
	return l.guarded(func() { l.afterTimeMs = ms })
}

// SetBeforeTime restricts replay to events with timestamps at or below ms.
func (l *Listener) SetBeforeTime(ms int64) bool {
	return l.guarded(func() { l.beforeTimeMs = ms })
}

// SetTimeFrame restricts replay to the half-open interval [startMs, endMs) by
// mapping it onto the exclusive-after / inclusive-before time primitives.
func (l *Listener) SetTimeFrame(startMs, endMs int64) bool {
	return l.guarded(func() {
		l.afterTimeMs = startMs - 1
		l.beforeTimeMs = endMs - 1
	})
}

// SetStopOnLastEvent records whether the owner intends to halt after the
// stored range is exhausted. The listener itself always stops at exhaustion;
// the flag is surfaced so owners can mirror it.
func (l *Listener) SetStopOnLastEvent(v bool) bool {
	return l.guarded(func() { l.stopOnLast = v })
}

// StopOnLastEvent reports the configured stop-on-last flag.
func (l *Listener) StopOnLastEvent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopOnLast
}

// SetNextEventCallback wires the in-order delivery callback.
func (l *Listener) SetNextEventCallback(fn NextEventFunc) bool {
	return l.guarded(func() { l.onNext = fn })
}

// SetMissedEventCallback wires the out-of-order delivery callback.
func (l *Listener) SetMissedEventCallback(fn MissedEventFunc) bool {
	return l.guarded(func() { l.onMissed = fn })
}

// SetIterationCompletedCallback wires the exhaustion signal.
func (l *Listener) SetIterationCompletedCallback(fn CompletedFunc) bool {
	return l.guarded(func() { l.onCompleted = fn })
}

// Start launches the replay goroutine. It fails when already running or when
// no next-event callback is configured.
func (l *Listener) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || l.onNext == nil {
		return false
	}
	l.running = true
	l.stop = make(chan struct{})
	l.cursor = l.afterID + 1
	if l.afterID.IsZero() {
		l.cursor = eventid.Zero
	}
	l.delivered = eventid.Zero
	l.tracker.Reset()
	l.tracker.SetBacklog(int64(l.cache.CountFrom(l.category, l.cursor)))
	go l.replay(l.stop)
	l.logger.Debug("source replay started", log.Str("from", l.cursor.String()))
	return true
}

// Stop halts an active replay. It fails when the listener is stopped.
func (l *Listener) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	close(l.stop)
	l.running = false
	return true
}

func (l *Listener) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// inBounds applies the configured id and time filters. The second result
// reports whether iteration may continue past this event.
func (l *Listener) inBounds(ev history.Event) (deliver, keepGoing bool) {
	if !l.beforeID.IsZero() && ev.ID.Compare(l.beforeID) >= 0 {
		return false, false
	}
	if l.beforeTimeMs > 0 && ev.TimestampMs > l.beforeTimeMs {
		return false, true
	}
	if l.afterTimeMs > 0 && ev.TimestampMs <= l.afterTimeMs {
		return false, true
	}
	return true, true
}

func (l *Listener) replay(stop chan struct{}) {
	if !l.drain(stop) {
		return
	}
	// Catch-up pass: close the window between the last empty read and the
	// completion signal for appends that raced the exhaustion check.
	l.cache.WaitForAppend(l.category, catchUpWait)
	if !l.drain(stop) {
		return
	}

	l.mu.Lock()
	if !l.running || l.stopped(stop) {
		l.mu.Unlock()
		return
	}
	l.running = false
	onCompleted := l.onCompleted
	l.mu.Unlock()

	l.logger.Debug("source replay complete")
	if onCompleted != nil {
		onCompleted()
	}
}

// drain reads and delivers batches until the stored range or the configured
// bound is exhausted, advancing the cursor past every consumed event. It
// reports false when the run was stopped mid-way.
func (l *Listener) drain(stop chan struct{}) bool {
	for {
		if l.stopped(stop) {
			return false
		}
		l.mu.Lock()
		cursor, batch := l.cursor, l.batchSize
		l.mu.Unlock()

		events, _ := l.cache.Read(l.category, cursor, batch, false)
		if len(events) == 0 {
			return true
		}
		for _, ev := range events {
			if l.stopped(stop) {
				return false
			}
			deliver, keepGoing := l.inBounds(ev)
			if !keepGoing {
				return true
			}
			if deliver {
				l.deliver(ev)
			}
			l.mu.Lock()
			l.cursor = ev.ID + 1
			l.mu.Unlock()
		}
	}
}

// deliver routes one replayed event, maintaining the listener-local watermark.
func (l *Listener) deliver(ev history.Event) {
	l.mu.Lock()
	onNext, onMissed := l.onNext, l.onMissed
	if ev.ID.Compare(l.delivered) <= 0 {
		l.mu.Unlock()
		if onMissed != nil && ev.ID.Compare(l.delivered) < 0 {
			onMissed(ev)
		}
		return
	}
	l.delivered = ev.ID
	l.mu.Unlock()
	onNext(ev)
	l.tracker.Increment()
}

// GetPendingEventMetrics returns (queued, eventsPerSecond, etaSeconds) for the
// current run. Queued counts stored events the cursor has not passed.
func (l *Listener) GetPendingEventMetrics() (int64, float64, float64) {
	l.mu.Lock()
	cursor, running := l.cursor, l.running
	l.mu.Unlock()
	if !running {
		return 0, -1, -1
	}
	queued := int64(l.cache.CountFrom(l.category, cursor))
	_, rate, _ := l.tracker.Metrics()
	eta := float64(-1)
	if rate > 0 {
		eta = float64(queued) / rate
	}
	return queued, rate, eta
}
