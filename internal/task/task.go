// Package task provides a cancellable cooperative iterator for draining large
// in-memory batches without monopolizing the scheduler.
package task

import (
	"runtime"
	"sync/atomic"
)

// DefaultBatchSize is the number of items processed between yields when the
// caller does not specify one.
const DefaultBatchSize = 64

// Task iterates a bounded range on its own goroutine, invoking a per-item
// body and yielding control between batches. Cancellation is checked before
// every item; a cancelled task skips its remaining items.
type Task struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Start launches a task over [0, n). body runs per index in order; complete
// runs exactly once after the last processed item, with cancelled reporting
// whether the run was aborted.
func Start(n, batchSize int, body func(i int), complete func(cancelled bool)) *Task {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for i := 0; i < n; i++ {
			if t.cancelled.Load() {
				break
			}
			body(i)
			if (i+1)%batchSize == 0 {
				runtime.Gosched()
			}
		}
		complete(t.cancelled.Load())
	}()
	return t
}

// Cancel aborts the iteration before the next item. Idempotent.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
}

// Done is closed once the task has finished, whether exhausted or cancelled.
func (t *Task) Done() <-chan struct{} {
	if t == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool { return t != nil && t.cancelled.Load() }
