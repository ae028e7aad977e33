// Package scheduler implements component C6: coordinating parallel
// execution of graph nodes across a worker pool with per-worker
// work-stealing deques.
package scheduler

import (
	"sync"

	"github.com/kilnforge/buildcore/src/core"
)

// deque is a double-ended queue of ready TargetIDs belonging to one worker.
// The owning worker pushes and pops from the bottom (LIFO, so it resumes
// the most recently discovered work first, keeping locality with whatever
// it just finished); other workers steal from the top (FIFO relative to
// that worker's own push order), the standard Chase-Lev work-stealing deque
// access pattern, implemented here with a mutex rather than the lock-free
// ring buffer of the original paper — this scheduler's bottleneck is action
// execution time, not deque contention, so the simpler implementation is
// the right tradeoff.
type deque struct {
	mu    sync.Mutex
	items []core.TargetID
}

func newDeque() *deque {
	return &deque{}
}

// pushBottom adds id to the owner's end of the deque.
func (d *deque) pushBottom(id core.TargetID) {
	d.mu.Lock()
	d.items = append(d.items, id)
	d.mu.Unlock()
}

// popBottom removes and returns the owner's most recently pushed item.
func (d *deque) popBottom() (core.TargetID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return core.TargetID{}, false
	}
	last := len(d.items) - 1
	id := d.items[last]
	d.items = d.items[:last]
	return id, true
}

// stealTop removes and returns the oldest item in the deque, for a thief
// worker whose own deque has gone empty.
func (d *deque) stealTop() (core.TargetID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return core.TargetID{}, false
	}
	id := d.items[0]
	d.items = d.items[1:]
	return id, true
}

// len reports how many items are currently queued, used by the
// power-of-two-choices steal target selection.
func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
