// Package history implements the persistent guild-history event cache.
//
// # Overview
//
// Events are partitioned by realm/guild/category and persisted in Pebble.
// Keys are lexicographically ordered for efficient range scans:
//   - realm/{realm}/hist/{guild_be8}/{cat_be4}/m            (category metadata: lastID, count)
//   - realm/{realm}/hist/{guild_be8}/{cat_be4}/e/{id_be8}   (events)
//
// Event values are stored as: varint headerLen | header | payload |
// crc32c(header|payload), where the header starts with the 8-byte big-endian
// event timestamp in milliseconds.
//
// API surface (internal)
//
//	c := OpenCache(db, "eu", guildID)
//
//	// Append confirmed in-order events atomically; ids must ascend
//	_ = c.AppendLinked(ctx, cat, []Event{{ID: id, TimestampMs: ts, Payload: p}})
//
//	// Backfill an event below the stored watermark
//	_ = c.AppendMissed(ctx, cat, ev)
//
//	// Read forward from a start id with a limit
//	events, next := c.Read(cat, startID, 100, false)
//	_ = next // resume position
//
//	// Blocking wait/notify per category
//	woke := c.WaitForAppend(cat, 200*time.Millisecond)
//	_ = woke
//
// # Listener fan-out
//
// Aggregation engines register through RegisterListener, which returns an
// explicit Subscription handle. Appends fan out to registered listeners as
// linked (in-order) or missed (backfilled) notifications carrying
// (guildID, category, event). Handles are released deterministically via
// Subscription.Cancel; registration and release are symmetric per engine
// Start/Stop cycle.
package history
