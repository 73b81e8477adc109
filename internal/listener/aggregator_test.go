package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/source"
	pebblestore "github.com/histore/histore/internal/storage/pebble"
	"github.com/histore/histore/pkg/eventid"
	"github.com/histore/histore/pkg/log"
)

const testGuild = uint64(42)

func newTestCache(t *testing.T) *history.Cache {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return history.OpenCache(db, "eu", testGuild)
}

func seed(t *testing.T, c *history.Cache, category uint32, ids ...uint64) {
	t.Helper()
	events := make([]history.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, history.Event{ID: eventid.Key(id), TimestampMs: int64(id * 10), Payload: []byte("p")})
	}
	if err := c.AppendLinked(context.Background(), category, events); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// sink records ordered and missed deliveries.
type sink struct {
	mu     sync.Mutex
	next   []uint64
	missed []uint64
}

func (s *sink) onNext(ev history.Event) {
	s.mu.Lock()
	s.next = append(s.next, uint64(ev.ID))
	s.mu.Unlock()
}

func (s *sink) onMissed(ev history.Event) {
	s.mu.Lock()
	s.missed = append(s.missed, uint64(ev.ID))
	s.mu.Unlock()
}

func (s *sink) delivered() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.next...)
}

func (s *sink) diverted() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.missed...)
}

func newEngine(t *testing.T, cache *history.Cache, key Key, s *sink, categories ...uint32) *Aggregator {
	t.Helper()
	sources := make([]*source.Listener, 0, len(categories))
	for _, cat := range categories {
		sources = append(sources, source.New(cache, cat, log.NewNopLogger()))
	}
	a := New(key, sources, Config{}, log.NewNopLogger())
	a.SetNextEventCallback(s.onNext)
	a.SetMissedEventCallback(s.onMissed)
	t.Cleanup(func() { a.Stop() })
	return a
}

func waitPhase(t *testing.T, a *Aggregator, want Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Phase() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v", a.Phase(), want)
}

func waitDelivered(t *testing.T, s *sink, n int) []uint64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.delivered(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("delivered %v, want %d events", s.delivered(), n)
	return nil
}

func assertOrder(t *testing.T, got, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestTwoSourcesMergeIntoGlobalOrder(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 3)
	seed(t, c, 2, 2)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	assertOrder(t, s.delivered(), []uint64{1, 2, 3})
}

func TestDuplicateIDsDeliveredOnce(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2)
	seed(t, c, 2, 2, 3)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	assertOrder(t, s.delivered(), []uint64{1, 2, 3})
}

func TestSingleSourceDeliversDuringReplay(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2, 3)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	got := waitDelivered(t, s, 3)
	assertOrder(t, got, []uint64{1, 2, 3})
	waitPhase(t, a, PhaseLive)
}

func TestLiveAppendsFlowThrough(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1)
	seed(t, c, 2, 2)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)

	seed(t, c, 1, 10)
	seed(t, c, 2, 11)
	got := waitDelivered(t, s, 4)
	assertOrder(t, got, []uint64{1, 2, 10, 11})
}

func TestSingleSourceLivePushAndMissed(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 5)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)

	seed(t, c, 1, 8)
	waitDelivered(t, s, 2)

	// backfill below the watermark diverts to the missed callback
	if err := c.AppendMissed(context.Background(), 1, history.Event{ID: eventid.Key(3), TimestampMs: 30, Payload: []byte("m")}); err != nil {
		t.Fatalf("append missed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.diverted()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if d := s.diverted(); len(d) != 1 || d[0] != 3 {
		t.Fatalf("missed = %v, want [3]", d)
	}
	assertOrder(t, s.delivered(), []uint64{5, 8})
}

func TestStopOnLastEventHaltsAfterDrain(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2)
	seed(t, c, 2, 3)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)
	a.SetStopOnLastEvent(true)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseStopped)
	assertOrder(t, s.delivered(), []uint64{1, 2, 3})
	if a.IsRunning() {
		t.Fatalf("engine should be stopped")
	}
	if a.Stop() {
		t.Fatalf("stopping a stopped engine should fail")
	}
}

func TestConfigurationGuardedWhileRunning(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	if a.SetAfterEventID(5) || a.SetBeforeEventID(9) || a.SetAfterTime(1) ||
		a.SetBeforeTime(2) || a.SetTimeFrame(1, 2) || a.SetStopOnLastEvent(true) ||
		a.SetNextEventCallback(s.onNext) || a.SetMissedEventCallback(s.onMissed) {
		t.Fatalf("setter applied while running")
	}
	if a.Start() {
		t.Fatalf("second start should fail")
	}
	if !a.Stop() {
		t.Fatalf("stop failed")
	}
	if !a.SetAfterEventID(5) {
		t.Fatalf("setter should apply once stopped")
	}
}

func TestMalformedLegacyIDRejected(t *testing.T) {
	c := newTestCache(t)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)

	if a.SetAfterEventID(0) {
		t.Fatalf("zero legacy id must be rejected")
	}
	if a.SetBeforeEventID(1 << 53) {
		t.Fatalf("oversized legacy id must be rejected")
	}
	if !a.SetAfterEventID(eventid.MaxLegacy) {
		t.Fatalf("max legacy id should be accepted")
	}
}

func TestRestartWithNewBounds(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2, 3, 4, 5)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	if !a.Stop() {
		t.Fatalf("stop failed")
	}

	s2 := &sink{}
	a.SetNextEventCallback(s2.onNext)
	if !a.SetAfterEventID(3) {
		t.Fatalf("bound rejected while stopped")
	}
	if !a.Start() {
		t.Fatalf("restart failed")
	}
	waitPhase(t, a, PhaseLive)
	assertOrder(t, s2.delivered(), []uint64{4, 5})
}

func TestTimeFrameAppliesAcrossSources(t *testing.T) {
	c := newTestCache(t)
	// timestamps are id*10
	seed(t, c, 1, 1, 3, 5)
	seed(t, c, 2, 2, 4)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)
	a.SetTimeFrame(20, 50) // [20ms, 50ms) -> ids 2, 3, 4

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	assertOrder(t, s.delivered(), []uint64{2, 3, 4})
}

func TestMetricsWhenStopped(t *testing.T) {
	c := newTestCache(t)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)
	queued, rate, eta := a.GetPendingEventMetrics()
	if queued != 0 || rate != -1 || eta != -1 {
		t.Fatalf("stopped metrics = %d %v %v", queued, rate, eta)
	}
}

func TestIgnoresOtherGuilds(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c := history.OpenCache(db, "eu", testGuild)

	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)
	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)

	// a push for a different guild or category must not reach the stream
	a.OnLinkedEvent(testGuild+1, 1, history.Event{ID: eventid.Key(7)})
	a.OnLinkedEvent(testGuild, 99, history.Event{ID: eventid.Key(8)})
	time.Sleep(20 * time.Millisecond)
	if got := s.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v from foreign partitions", got)
	}
}

func TestStopMidDrainDiscardsBuffer(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2, 3, 4, 5)
	seed(t, c, 2, 6, 7, 8, 9, 10)

	var mu sync.Mutex
	var delivered int
	entered := make(chan struct{})
	gate := make(chan struct{})
	sources := []*source.Listener{
		source.New(c, 1, log.NewNopLogger()),
		source.New(c, 2, log.NewNopLogger()),
	}
	a := New(Key{Realm: "eu", GuildID: testGuild, Category: 9}, sources,
		Config{DrainBatchSize: 1}, log.NewNopLogger())
	a.SetNextEventCallback(func(ev history.Event) {
		mu.Lock()
		delivered++
		first := delivered == 1
		mu.Unlock()
		if first {
			close(entered)
			<-gate
		}
	})

	if !a.Start() {
		t.Fatalf("start failed")
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain never began")
	}
	if !a.Stop() {
		t.Fatalf("stop failed")
	}
	close(gate)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered %d events after mid-drain stop, want 1", delivered)
	}
	if a.IsRunning() {
		t.Fatalf("engine must stay stopped")
	}
}

func TestQueuedDrainsToZero(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 3)
	seed(t, c, 2, 2)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	queued, _, _ := a.GetPendingEventMetrics()
	if queued != 0 {
		t.Fatalf("queued = %d after completion, want 0", queued)
	}
}

func TestLiveAppendsHonorBeforeBound(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1)
	seed(t, c, 2, 2)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)
	if !a.SetBeforeEventID(5) {
		t.Fatalf("bound rejected while stopped")
	}

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)

	// the cycle bound applies to live pushes too: 9 is out, 4 is in
	seed(t, c, 1, 9)
	seed(t, c, 2, 4)
	got := waitDelivered(t, s, 3)
	assertOrder(t, got, []uint64{1, 2, 4})
}

func TestDirectPathHonorsTimeBounds(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 2) // timestamps 10, 20
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1)
	a.SetBeforeTime(30)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	waitDelivered(t, s, 2)

	// timestamp 30 sits inside the inclusive bound, 50 does not
	if err := c.AppendLinked(context.Background(), 1, []history.Event{{ID: eventid.Key(3), TimestampMs: 30, Payload: []byte("p")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.AppendLinked(context.Background(), 1, []history.Event{{ID: eventid.Key(5), TimestampMs: 50, Payload: []byte("p")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitDelivered(t, s, 3)
	time.Sleep(20 * time.Millisecond)
	assertOrder(t, s.delivered(), []uint64{1, 2, 3})
}

func TestMidDrainArrivalsFlushedBeforeLive(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, 1, 1, 3)
	seed(t, c, 2, 2)

	type delivery struct {
		id    uint64
		phase Phase
	}
	var mu sync.Mutex
	var deliveries []delivery
	entered := make(chan struct{})
	gate := make(chan struct{})
	sources := []*source.Listener{
		source.New(c, 1, log.NewNopLogger()),
		source.New(c, 2, log.NewNopLogger()),
	}
	a := New(Key{Realm: "eu", GuildID: testGuild, Category: 9}, sources,
		Config{DrainBatchSize: 1}, log.NewNopLogger())
	a.SetNextEventCallback(func(ev history.Event) {
		mu.Lock()
		deliveries = append(deliveries, delivery{id: uint64(ev.ID), phase: a.Phase()})
		first := len(deliveries) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-gate
		}
	})
	t.Cleanup(func() { a.Stop() })

	if !a.Start() {
		t.Fatalf("start failed")
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain never began")
	}

	// arrives while the drain task runs; must flush before the phase flips
	seed(t, c, 1, 4)
	queued, _, _ := a.GetPendingEventMetrics()
	if queued != 4 {
		t.Fatalf("queued mid-drain = %d, want 4 (3 snapshotted + 1 buffered)", queued)
	}
	close(gate)

	waitPhase(t, a, PhaseLive)
	mu.Lock()
	defer mu.Unlock()
	ids := make([]uint64, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.id)
	}
	assertOrder(t, ids, []uint64{1, 2, 3, 4})
	if got := deliveries[3].phase; got != PhaseDraining {
		t.Fatalf("mid-drain arrival delivered in phase %v, want %v", got, PhaseDraining)
	}
}

func TestEmptyStoreSkipsDrainToLive(t *testing.T) {
	c := newTestCache(t)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseLive)
	if got := s.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v from an empty store", got)
	}
}

func TestEmptyStoreStopOnLastHalts(t *testing.T) {
	c := newTestCache(t)
	s := &sink{}
	a := newEngine(t, c, Key{Realm: "eu", GuildID: testGuild, Category: 9}, s, 1, 2)
	a.SetStopOnLastEvent(true)

	if !a.Start() {
		t.Fatalf("start failed")
	}
	waitPhase(t, a, PhaseStopped)
	if got := s.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v from an empty store", got)
	}
}
