// Package source implements the per-category source listener. A Listener
// iterates one (guild, category) slice of the history cache in ascending id
// order, delivering stored events through its next-event callback, and signals
// iteration completion exactly once when the stored range is exhausted. Live
// events are not forwarded by the Listener; they reach consumers through cache
// listener registrations owned by the aggregation layer.
//
// Configuration (bounds, callbacks, stop-on-last) is guarded: setters return
// false without mutating state while the listener runs.
package source
