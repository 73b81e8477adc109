// Package listener implements the aggregation engine that merges N
// per-category source replays into one globally ordered, deduplicated event
// stream for a single (realm, guild, category) partition.
//
// A cycle moves through four phases. Stopped is the only phase in which
// configuration may change. Replaying runs every source listener concurrently;
// with more than one source all arriving events are buffered, with exactly one
// source they route straight through the watermark check. Draining sorts and
// flushes the buffer cooperatively once every source has finished its replay.
// Live forwards events as the caches push them, still through the buffer when
// multiple sources feed the engine.
//
// The delivery watermark only moves forward: consumers see each event id at
// most once through the next-event callback, in strictly ascending order.
// Events that can no longer join the ordered stream surface through the
// missed-event callback instead.
package listener
