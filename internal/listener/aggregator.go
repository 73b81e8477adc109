package listener

import (
	"sort"
	"strconv"
	"sync"

	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/source"
	"github.com/histore/histore/internal/task"
	"github.com/histore/histore/internal/tracker"
	"github.com/histore/histore/pkg/eventid"
	"github.com/histore/histore/pkg/log"
)

// NextEventFunc receives the next event of the globally ordered stream.
type NextEventFunc func(ev history.Event)

// MissedEventFunc receives an event that arrived below the delivery watermark
// and therefore cannot join the ordered stream.
type MissedEventFunc func(ev history.Event)

// Key addresses one aggregation partition.
type Key struct {
	Realm    string
	GuildID  uint64
	Category uint32
}

func (k Key) String() string {
	return k.Realm + "/" + strconv.FormatUint(k.GuildID, 10) + "/" + strconv.FormatUint(uint64(k.Category), 10)
}

// Config carries tunables for a cycle.
type Config struct {
	// DrainBatchSize is the number of buffered events delivered between
	// cooperative yields while draining. Defaults to task.DefaultBatchSize.
	DrainBatchSize int
	// RateWindowSeconds sizes the rolling throughput window.
	RateWindowSeconds int
}

// Aggregator merges the replay-then-live streams of its source listeners into
// one ordered, deduplicated stream for a single partition.
type Aggregator struct {
	key        Key
	sources    []*source.Listener
	categories map[uint32]struct{}
	logger     log.Logger
	tracker    *tracker.Tracker
	drainBatch int

	// deliverMu serializes ordered delivery so the watermark and the
	// callback invocation move together.
	deliverMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	watermark   eventid.Key
	buffer      []history.Event
	completions int
	started     int
	subs        []*history.Subscription
	drain       *task.Task

	afterID      eventid.Key
	beforeID     eventid.Key
	afterTimeMs  int64
	beforeTimeMs int64
	stopOnLast   bool
	onNext       NextEventFunc
	onMissed     MissedEventFunc
}

// New returns a stopped engine over the given source listeners.
func New(key Key, sources []*source.Listener, cfg Config, logger log.Logger) *Aggregator {
	if cfg.DrainBatchSize < 1 {
		cfg.DrainBatchSize = task.DefaultBatchSize
	}
	if cfg.RateWindowSeconds < 1 {
		cfg.RateWindowSeconds = tracker.DefaultWindowSeconds
	}
	cats := make(map[uint32]struct{}, len(sources))
	for _, src := range sources {
		cats[src.Category()] = struct{}{}
	}
	return &Aggregator{
		key:        key,
		sources:    sources,
		categories: cats,
		logger:     logger.With(log.Str("partition", key.String())),
		tracker:    tracker.New(cfg.RateWindowSeconds),
		drainBatch: cfg.DrainBatchSize,
	}
}

// Key returns the partition this engine serves.
func (a *Aggregator) Key() Key { return a.key }

// GuildID returns the partition guild.
func (a *Aggregator) GuildID() uint64 { return a.key.GuildID }

// Category returns the partition category.
func (a *Aggregator) Category() uint32 { return a.key.Category }

// Phase returns the current lifecycle phase.
func (a *Aggregator) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// IsRunning reports whether a cycle is active.
func (a *Aggregator) IsRunning() bool { return a.Phase() != PhaseStopped }

// guarded applies fn only while the engine is stopped, reporting whether the
// mutation was applied.
func (a *Aggregator) guarded(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseStopped {
		return false
	}
	fn()
	return true
}

// SetAfterEventID restricts the cycle to events strictly after the given
// legacy event id. Malformed ids are rejected without changing state.
func (a *Aggregator) SetAfterEventID(legacyID uint64) bool {
	key, err := eventid.FromLegacy(legacyID)
	if err != nil {
		a.logger.Warn("rejecting malformed legacy event id", log.Uint64("id", legacyID), log.Err(err))
		return false
	}
	return a.guarded(func() { a.afterID = key })
}

// SetBeforeEventID restricts the cycle to events strictly before the given
// legacy event id. Malformed ids are rejected without changing state.
func (a *Aggregator) SetBeforeEventID(legacyID uint64) bool {
	key, err := eventid.FromLegacy(legacyID)
	if err != nil {
		a.logger.Warn("rejecting malformed legacy event id", log.Uint64("id", legacyID), log.Err(err))
		return false
	}
	return a.guarded(func() { a.beforeID = key })
}

// SetAfterTime restricts the cycle to events with timestamps strictly above ms.
func (a *Aggregator) SetAfterTime(ms int64) bool {
	return a.guarded(func() { a.afterTimeMs = ms })
}

// SetBeforeTime restricts the cycle to events with timestamps at or below ms.
func (a *Aggregator) SetBeforeTime(ms int64) bool {
	return a.guarded(func() { a.beforeTimeMs = ms })
}

// SetTimeFrame restricts the cycle to the half-open interval [startMs, endMs).
func (a *Aggregator) SetTimeFrame(startMs, endMs int64) bool {
	return a.guarded(func() {
		a.afterTimeMs = startMs - 1
		a.beforeTimeMs = endMs - 1
	})
}

// SetStopOnLastEvent makes the engine stop itself once the drain finishes
// instead of going live.
func (a *Aggregator) SetStopOnLastEvent(v bool) bool {
	return a.guarded(func() { a.stopOnLast = v })
}

// SetNextEventCallback wires the ordered delivery callback.
func (a *Aggregator) SetNextEventCallback(fn NextEventFunc) bool {
	return a.guarded(func() { a.onNext = fn })
}

// SetMissedEventCallback wires the below-watermark delivery callback.
func (a *Aggregator) SetMissedEventCallback(fn MissedEventFunc) bool {
	return a.guarded(func() { a.onMissed = fn })
}

// Start begins a cycle: it registers with every upstream cache, configures and
// launches every source listener, and enters the replaying phase. Sources that
// fail to start are logged and skipped; the cycle proceeds with the rest.
func (a *Aggregator) Start() bool {
	a.mu.Lock()
	if a.phase != PhaseStopped {
		a.mu.Unlock()
		a.logger.Debug("start ignored; cycle already active", log.Str("phase", a.phase.String()))
		return false
	}
	a.watermark = a.afterID
	a.buffer = nil
	a.completions = 0
	a.started = 0
	a.tracker.Reset()

	seen := make(map[*history.Cache]struct{})
	for _, src := range a.sources {
		if _, ok := seen[src.Cache()]; ok {
			continue
		}
		seen[src.Cache()] = struct{}{}
		a.subs = append(a.subs, src.Cache().RegisterListener(a))
	}

	for _, src := range a.sources {
		src.SetAfterEventID(a.afterID)
		src.SetBeforeEventID(a.beforeID)
		src.SetAfterTime(a.afterTimeMs)
		src.SetBeforeTime(a.beforeTimeMs)
		src.SetStopOnLastEvent(a.stopOnLast)
		src.SetNextEventCallback(a.onSourceEvent)
		src.SetMissedEventCallback(a.onSourceMissed)
		src.SetIterationCompletedCallback(a.onSourceComplete)
		if src.Start() {
			a.started++
		} else {
			a.logger.Warn("source listener failed to start", log.Int("category", int(src.Category())))
		}
	}
	a.phase = PhaseReplaying
	started := a.started
	a.mu.Unlock()

	a.logger.Info("aggregation started",
		log.Int("sources", len(a.sources)), log.Int("active", started))
	if started == 0 {
		a.beginDrain()
	}
	return true
}

// Stop halts the cycle: it cancels any drain in flight, stops the source
// listeners and unregisters from every cache. Stopping a stopped engine fails.
func (a *Aggregator) Stop() bool {
	a.mu.Lock()
	if a.phase == PhaseStopped {
		a.mu.Unlock()
		a.logger.Debug("stop ignored; no cycle active")
		return false
	}
	a.phase = PhaseStopped
	drain := a.drain
	a.drain = nil
	subs := a.subs
	a.subs = nil
	a.buffer = nil
	a.completions = 0
	a.started = 0
	a.mu.Unlock()

	drain.Cancel()
	for _, s := range subs {
		s.Cancel()
	}
	for _, src := range a.sources {
		src.Stop()
	}
	a.tracker.Reset()
	a.logger.Info("aggregation stopped")
	return true
}

// buffered reports whether this engine routes through the merge buffer.
func (a *Aggregator) buffered() bool { return len(a.sources) > 1 }

// inBoundsLocked applies the cycle's id and time bounds to one event. The
// sources filter their own replay, but live pushes enter here unfiltered, so
// every routing path checks again. Caller must hold mu.
func (a *Aggregator) inBoundsLocked(ev history.Event) bool {
	if !a.beforeID.IsZero() && ev.ID.Compare(a.beforeID) >= 0 {
		return false
	}
	if a.beforeTimeMs > 0 && ev.TimestampMs > a.beforeTimeMs {
		return false
	}
	if a.afterTimeMs > 0 && ev.TimestampMs <= a.afterTimeMs {
		return false
	}
	return true
}

// onSourceEvent receives replayed events from the source listeners.
func (a *Aggregator) onSourceEvent(ev history.Event) {
	if a.buffered() {
		a.bufferEvent(ev)
		return
	}
	a.routeDirect(ev)
}

// onSourceMissed receives replay events below a source's local watermark.
func (a *Aggregator) onSourceMissed(ev history.Event) {
	a.routeMissed(ev)
}

// OnLinkedEvent receives live in-order appends from a registered cache.
func (a *Aggregator) OnLinkedEvent(guildID uint64, category uint32, ev history.Event) {
	if !a.accepts(guildID, category) {
		return
	}
	if a.buffered() {
		a.bufferEvent(ev)
		return
	}
	a.routeDirect(ev)
}

// OnMissedEvent receives live out-of-order backfills from a registered cache.
func (a *Aggregator) OnMissedEvent(guildID uint64, category uint32, ev history.Event) {
	if !a.accepts(guildID, category) {
		return
	}
	a.routeMissed(ev)
}

func (a *Aggregator) accepts(guildID uint64, category uint32) bool {
	if guildID != a.key.GuildID {
		return false
	}
	_, ok := a.categories[category]
	return ok
}

// bufferEvent appends to the merge buffer; in the live phase it also flushes.
func (a *Aggregator) bufferEvent(ev history.Event) {
	a.mu.Lock()
	if a.phase == PhaseStopped || !a.inBoundsLocked(ev) {
		a.mu.Unlock()
		return
	}
	a.buffer = append(a.buffer, ev)
	live := a.phase == PhaseLive
	a.mu.Unlock()
	if live {
		a.flushLive()
	}
}

// routeDirect is the uncached single-source path: compare against the
// watermark and deliver, divert or drop.
func (a *Aggregator) routeDirect(ev history.Event) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	a.mu.Lock()
	if a.phase == PhaseStopped || !a.inBoundsLocked(ev) {
		a.mu.Unlock()
		return
	}
	cmp := ev.ID.Compare(a.watermark)
	onNext, onMissed := a.onNext, a.onMissed
	if cmp > 0 {
		a.watermark = ev.ID
	}
	a.mu.Unlock()

	switch {
	case cmp > 0:
		if onNext != nil {
			onNext(ev)
		}
		a.tracker.Increment()
	case cmp < 0:
		if onMissed != nil {
			onMissed(ev)
		}
	}
}

func (a *Aggregator) routeMissed(ev history.Event) {
	a.mu.Lock()
	running := a.phase != PhaseStopped && a.inBoundsLocked(ev)
	onMissed := a.onMissed
	a.mu.Unlock()
	if running && onMissed != nil {
		onMissed(ev)
	}
}

// onSourceComplete counts replay completions; the last one starts the drain.
func (a *Aggregator) onSourceComplete() {
	a.mu.Lock()
	if a.phase != PhaseReplaying {
		a.mu.Unlock()
		return
	}
	a.completions++
	done := a.completions >= a.started
	a.mu.Unlock()
	if done {
		a.beginDrain()
	}
}

// beginDrain snapshots the merge buffer, sorts it and flushes it on a
// cancellable cooperative task. Events arriving mid-drain accumulate in a
// fresh buffer and are flushed synchronously before the phase flips.
func (a *Aggregator) beginDrain() {
	a.mu.Lock()
	if a.phase != PhaseReplaying {
		a.mu.Unlock()
		return
	}
	a.phase = PhaseDraining
	snapshot := a.buffer
	a.buffer = nil
	sortEvents(snapshot)
	a.tracker.Reset()
	a.tracker.SetBacklog(int64(len(snapshot)))
	a.drain = task.Start(len(snapshot), a.drainBatch,
		func(i int) { a.deliverOrdered(snapshot[i]) },
		a.onDrainComplete)
	a.mu.Unlock()

	a.logger.Info("replay complete, draining merge buffer", log.Int("buffered", len(snapshot)))
}

func (a *Aggregator) onDrainComplete(cancelled bool) {
	if cancelled {
		return
	}
	// Flush whatever arrived while the drain ran, repeating until the buffer
	// stays empty, then flip the phase.
	a.deliverMu.Lock()
	for {
		a.mu.Lock()
		if a.phase != PhaseDraining {
			a.mu.Unlock()
			a.deliverMu.Unlock()
			return
		}
		if len(a.buffer) == 0 {
			break
		}
		batch := a.buffer
		a.buffer = nil
		a.mu.Unlock()
		sortEvents(batch)
		for _, ev := range batch {
			a.deliverLocked(ev)
		}
	}

	if a.stopOnLast {
		a.mu.Unlock()
		a.deliverMu.Unlock()
		a.logger.Info("reached end of stored events")
		a.Stop()
		return
	}
	a.phase = PhaseLive
	a.mu.Unlock()
	a.deliverMu.Unlock()
	a.logger.Info("aggregation live")
}

// flushLive drains buffered live arrivals in order. The delivery lock is held
// across the whole flush so concurrent flushers cannot interleave.
func (a *Aggregator) flushLive() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	for {
		a.mu.Lock()
		if a.phase != PhaseLive || len(a.buffer) == 0 {
			a.mu.Unlock()
			return
		}
		batch := a.buffer
		a.buffer = nil
		a.mu.Unlock()
		sortEvents(batch)
		for _, ev := range batch {
			a.deliverLocked(ev)
		}
	}
}

// deliverOrdered delivers one event through the watermark, dropping ids the
// consumer has already seen.
func (a *Aggregator) deliverOrdered(ev history.Event) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	a.deliverLocked(ev)
}

// deliverLocked requires deliverMu to be held.
func (a *Aggregator) deliverLocked(ev history.Event) {
	a.mu.Lock()
	if a.phase == PhaseStopped || ev.ID.Compare(a.watermark) <= 0 {
		a.mu.Unlock()
		return
	}
	a.watermark = ev.ID
	onNext := a.onNext
	a.mu.Unlock()
	if onNext != nil {
		onNext(ev)
	}
	a.tracker.Increment()
}

// GetPendingEventMetrics returns (queued, eventsPerSecond, etaSeconds) for the
// current phase. While replaying, per-source figures are combined: queue
// lengths sum, rates and ETAs average over the full source count. Draining and
// live report the engine's own tracker. A stopped engine, or one with no
// sources, reports no progress.
func (a *Aggregator) GetPendingEventMetrics() (int64, float64, float64) {
	a.mu.Lock()
	phase := a.phase
	a.mu.Unlock()

	if phase == PhaseStopped || len(a.sources) == 0 {
		return 0, -1, -1
	}
	if phase == PhaseReplaying {
		var queued int64
		var rateSum, etaSum float64
		etaKnown := false
		for _, src := range a.sources {
			q, r, e := src.GetPendingEventMetrics()
			queued += q
			if r > 0 {
				rateSum += r
			}
			if e >= 0 {
				etaSum += e
				etaKnown = true
			}
		}
		n := float64(len(a.sources))
		eta := float64(-1)
		if etaKnown {
			eta = etaSum / n
		}
		return queued, rateSum / n, eta
	}
	queued, rate, eta := a.tracker.Metrics()
	if phase == PhaseDraining {
		// The drain backlog was snapshotted when the drain began; arrivals
		// since then sit in the fresh buffer and still count as pending.
		a.mu.Lock()
		queued += int64(len(a.buffer))
		a.mu.Unlock()
	}
	return queued, rate, eta
}

func sortEvents(events []history.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ID.Compare(events[j].ID) < 0
	})
}
