package history

import "github.com/google/uuid"

// Listener receives append notifications from a Cache. Implementations must
// not block; delivery happens on the appender's goroutine.
type Listener interface {
	// OnLinkedEvent delivers a confirmed in-order event.
	OnLinkedEvent(guildID uint64, category uint32, ev Event)
	// OnMissedEvent delivers an out-of-order backfilled event.
	OnMissedEvent(guildID uint64, category uint32, ev Event)
}

// Subscription is the handle returned by RegisterListener. Cancel releases it;
// cancelling twice is a no-op.
type Subscription struct {
	id    string
	cache *Cache
}

// Cancel removes the listener registration.
func (s *Subscription) Cancel() {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.mu.Lock()
	delete(s.cache.lists, s.id)
	s.cache.mu.Unlock()
	s.cache = nil
}

// RegisterListener subscribes l to future appends and returns its handle.
func (c *Cache) RegisterListener(l Listener) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.NewString()
	c.lists[id] = l
	return &Subscription{id: id, cache: c}
}

// ListenerCount reports the number of registered listeners.
func (c *Cache) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lists)
}

// snapshotListeners copies the registered listeners. Caller must hold c.mu.
func (c *Cache) snapshotListeners() []Listener {
	if len(c.lists) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(c.lists))
	for _, l := range c.lists {
		out = append(out, l)
	}
	return out
}
