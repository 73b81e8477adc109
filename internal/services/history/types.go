package histsvc

import "context"

// AppendItem is one event submitted for storage, identified by its legacy id.
type AppendItem struct {
	ID          uint64 `json:"id"`
	TimestampMs int64  `json:"tsMs"`
	Payload     []byte `json:"payload"`
}

// TailItem is one delivered event. Missed marks events that arrived below the
// delivery watermark and were diverted out of the ordered stream.
type TailItem struct {
	ID          uint64 `json:"id"`
	TimestampMs int64  `json:"tsMs"`
	Category    uint32 `json:"category"`
	Payload     []byte `json:"payload"`
	Missed      bool   `json:"missed,omitempty"`
}

// TailSink is implemented by transports to receive streamed items.
type TailSink interface {
	Send(TailItem) error
	Context() context.Context
	Flush() error
}

// TailOptions control scope, bounds, filtering and termination for a tail.
type TailOptions struct {
	// Categories are the cache categories merged into the tail. At least one
	// is required.
	Categories []uint32
	// AfterID / BeforeID bound the stream by legacy event id (exclusive on
	// both ends). Zero means unbounded.
	AfterID  uint64
	BeforeID uint64
	// StartMs / EndMs bound the stream to [StartMs, EndMs) by event
	// timestamp. Zero means unbounded on that end.
	StartMs int64
	EndMs   int64
	// StopOnLast ends the tail once stored events are exhausted instead of
	// switching to live delivery.
	StopOnLast bool
	// Filter is an optional CEL expression evaluated per event. When empty,
	// all events are delivered.
	Filter string
	// Limit is the maximum number of ordered events to deliver before
	// stopping. When 0, no limit is applied.
	Limit int
}

// CategoryStatus summarizes one stored category.
type CategoryStatus struct {
	Category uint32 `json:"category"`
	Count    uint64 `json:"count"`
	LastID   uint64 `json:"lastId"`
}

// GuildStatus summarizes one guild's history.
type GuildStatus struct {
	Realm       string           `json:"realm"`
	GuildID     uint64           `json:"guildId"`
	ActiveTails int              `json:"activeTails"`
	Categories  []CategoryStatus `json:"categories"`
}
