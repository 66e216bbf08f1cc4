// Package deferred implements a minimal settled/pending awaitable that is
// independent of any TaskScheduler - the Go analogue of the original
// extension's second built-in awaitable class, concurrent_deferred_awaitable.
// It gives external, non-fiber producers (timers, subprocesses, channels) a
// way to hand a result to Task.Await.
package deferred

import (
	"sync"

	"fiberweave/internal/contlist"
)

// Deferred is a single-shot awaitable: it starts pending and settles at
// most once, either with a value or with an error.
type Deferred struct {
	mu    sync.Mutex
	conts *contlist.List
	done  bool
}

// New returns a pending Deferred.
func New() *Deferred {
	return &Deferred{conts: contlist.Create()}
}

// Continuations implements contlist.Awaitable.
func (d *Deferred) Continuations() *contlist.List { return d.conts }

// Settled implements contlist.Awaitable.
func (d *Deferred) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Resolve settles d successfully with value. Resolving an already-settled
// Deferred is a no-op.
func (d *Deferred) Resolve(value any) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	d.mu.Unlock()
	d.conts.Trigger(value, true)
}

// Reject settles d with a failure. Rejecting an already-settled Deferred is
// a no-op.
func (d *Deferred) Reject(err error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	d.mu.Unlock()
	d.conts.Trigger(err, false)
}
