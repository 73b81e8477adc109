package history

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/histore/histore/internal/storage/pebble"
	"github.com/histore/histore/pkg/eventid"
)

// ErrNotFound reports a missing event.
var ErrNotFound = errors.New("history: event not found")

// ErrOutOfOrder reports a linked append whose id does not ascend past the
// stored watermark.
var ErrOutOfOrder = errors.New("history: linked append out of order")

// Cache stores one guild's history events across categories and fans out
// appends to registered listeners.
type Cache struct {
	db      *pebblestore.DB
	realm   string
	guildID uint64

	mu    sync.Mutex
	cats  map[uint32]*categoryState
	lists map[string]Listener
}

type categoryState struct {
	loaded bool
	lastID eventid.Key
	count  uint64
	notify chan struct{}
}

// OpenCache returns the cache for a (realm, guild) pair. Category metadata is
// loaded lazily on first touch.
func OpenCache(db *pebblestore.DB, realm string, guildID uint64) *Cache {
	return &Cache{
		db:      db,
		realm:   realm,
		guildID: guildID,
		cats:    map[uint32]*categoryState{},
		lists:   map[string]Listener{},
	}
}

// Realm returns the realm this cache belongs to.
func (c *Cache) Realm() string { return c.realm }

// GuildID returns the guild this cache belongs to.
func (c *Cache) GuildID() uint64 { return c.guildID }

// IsFor reports whether this cache serves the given guild and category.
// Every category of the owning guild is served.
func (c *Cache) IsFor(guildID uint64, category uint32) bool {
	return c.guildID == guildID
}

// cat returns the state for a category, loading persisted metadata once.
// Caller must hold c.mu.
func (c *Cache) cat(category uint32) *categoryState {
	st, ok := c.cats[category]
	if !ok {
		st = &categoryState{notify: make(chan struct{})}
		c.cats[category] = st
	}
	if !st.loaded {
		if meta, err := c.db.Get(KeyCategoryMeta(c.realm, c.guildID, category)); err == nil && len(meta) >= 16 {
			st.lastID = eventid.Key(binary.BigEndian.Uint64(meta[:8]))
			st.count = binary.BigEndian.Uint64(meta[8:16])
		}
		st.loaded = true
	}
	return st
}

func encodeCategoryMeta(lastID eventid.Key, count uint64) []byte {
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], uint64(lastID))
	binary.BigEndian.PutUint64(meta[8:16], count)
	return meta[:]
}

// AppendLinked appends confirmed in-order events as a single atomic batch.
// Event ids must strictly ascend past the stored watermark. Registered
// listeners receive a linked notification per event.
func (c *Cache) AppendLinked(ctx context.Context, category uint32, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	c.mu.Lock()
	st := c.cat(category)

	last := st.lastID
	for _, ev := range events {
		if ev.ID <= last {
			c.mu.Unlock()
			return fmt.Errorf("%w: id %s at watermark %s", ErrOutOfOrder, ev.ID, last)
		}
		last = ev.ID
	}

	b := c.db.NewBatch()
	defer b.Close()
	for _, ev := range events {
		if err := b.Set(KeyEvent(c.realm, c.guildID, category, ev.ID), EncodeEvent(ev), nil); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	newCount := st.count + uint64(len(events))
	if err := b.Set(KeyCategoryMeta(c.realm, c.guildID, category), encodeCategoryMeta(last, newCount), nil); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		c.mu.Unlock()
		return err
	}
	st.lastID = last
	st.count = newCount
	// wake waiters
	close(st.notify)
	st.notify = make(chan struct{})
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range listeners {
		for _, ev := range events {
			ev.Category = category
			l.OnLinkedEvent(c.guildID, category, ev)
		}
	}
	return nil
}

// AppendMissed stores a backfilled event that arrived below the category
// watermark. Registered listeners receive a missed notification.
func (c *Cache) AppendMissed(ctx context.Context, category uint32, ev Event) error {
	c.mu.Lock()
	st := c.cat(category)

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEvent(c.realm, c.guildID, category, ev.ID), EncodeEvent(ev), nil); err != nil {
		c.mu.Unlock()
		return err
	}
	last := st.lastID
	if ev.ID > last {
		last = ev.ID
	}
	newCount := st.count + 1
	if err := b.Set(KeyCategoryMeta(c.realm, c.guildID, category), encodeCategoryMeta(last, newCount), nil); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		c.mu.Unlock()
		return err
	}
	st.lastID = last
	st.count = newCount
	close(st.notify)
	st.notify = make(chan struct{})
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	ev.Category = category
	for _, l := range listeners {
		l.OnMissedEvent(c.guildID, category, ev)
	}
	return nil
}

// Read returns up to limit events starting at start (inclusive), ascending by
// id, plus the id to resume from. Reverse scans descending from start (or the
// end when start is zero).
func (c *Cache) Read(category uint32, start eventid.Key, limit int, reverse bool) ([]Event, eventid.Key) {
	low := KeyEvent(c.realm, c.guildID, category, eventid.Zero)
	hi := KeyEvent(c.realm, c.guildID, category, eventid.Key(^uint64(0)))
	it, err := c.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	events := make([]Event, 0, max(1, limit))
	var next eventid.Key
	if err != nil {
		return events, next
	}
	defer it.Close()

	if reverse {
		startKey := KeyEvent(c.realm, c.guildID, category, start)
		if start.IsZero() {
			if !it.Last() {
				return events, next
			}
		} else if !it.SeekLT(startKey) {
			return events, next
		}
		for it.Valid() && (limit == 0 || len(events) < limit) {
			id := eventIDFromKey(it.Key())
			if ev, ok := DecodeEvent(id, it.Value()); ok {
				ev.Category = category
				events = append(events, ev)
			}
			if !it.Prev() {
				break
			}
		}
		if it.Valid() {
			next = eventIDFromKey(it.Key())
		}
		return events, next
	}

	startKey := KeyEvent(c.realm, c.guildID, category, start)
	if start.IsZero() {
		if !it.First() {
			return events, next
		}
	} else if !it.SeekGE(startKey) {
		return events, next
	}
	for it.Valid() && (limit == 0 || len(events) < limit) {
		id := eventIDFromKey(it.Key())
		if ev, ok := DecodeEvent(id, it.Value()); ok {
			ev.Category = category
			events = append(events, ev)
		}
		if !it.Next() {
			break
		}
	}
	if it.Valid() {
		next = eventIDFromKey(it.Key())
	}
	return events, next
}

// Get loads a single event by id.
func (c *Cache) Get(category uint32, id eventid.Key) (Event, error) {
	b, err := c.db.Get(KeyEvent(c.realm, c.guildID, category, id))
	if err != nil {
		return Event{}, ErrNotFound
	}
	ev, ok := DecodeEvent(id, b)
	if !ok {
		return Event{}, ErrNotFound
	}
	ev.Category = category
	return ev, nil
}

// LastID returns the category watermark (highest stored id) and whether any
// event has been stored.
func (c *Cache) LastID(category uint32) (eventid.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.cat(category)
	return st.lastID, st.lastID != eventid.Zero
}

// Count returns the number of stored events for a category.
func (c *Cache) Count(category uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cat(category).count
}

// CountFrom counts stored events with id >= from. Used for pending-work
// estimates; cost is proportional to the remaining range.
func (c *Cache) CountFrom(category uint32, from eventid.Key) uint64 {
	low := KeyEvent(c.realm, c.guildID, category, from)
	hi := KeyEvent(c.realm, c.guildID, category, eventid.Key(^uint64(0)))
	it, err := c.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return 0
	}
	defer it.Close()
	var n uint64
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n
}

// WaitForAppend blocks until either a new append occurs on the category or
// timeout elapses. It returns true if woken by an append, false on timeout.
func (c *Cache) WaitForAppend(category uint32, timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.cat(category).notify
	c.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
