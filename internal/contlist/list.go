// Package contlist implements the ordered, exactly-once continuation list
// every awaitable settles through: callers append a (waiter, callback) pair
// while the awaitable is pending, and Trigger delivers the result to every
// registered callback, in registration order, exactly once.
package contlist

import (
	"errors"
	"sync"
)

// ErrAlreadySettled is returned by Append when the list was disposed before
// it settled. Appending to a list that has already been triggered does not
// fail: the callback receives the stored result synchronously instead.
var ErrAlreadySettled = errors.New("contlist: awaitable already settled")

// Awaitable is anything that can be awaited: it exposes its own
// continuation list for registering a callback, and reports whether it has
// already settled. core.Task and deferred.Deferred are the two types in
// this module that implement it.
type Awaitable interface {
	Continuations() *List
	Settled() bool
}

// Callback is invoked once, when the awaitable settles. success is false
// when the awaitable failed; in that case result is the error.
type Callback func(result any, success bool)

// entry is one registered (waiter, callback) pair.
type entry struct {
	waiter   any
	callback Callback
}

// List is a continuation list. The zero value is not usable; use Create.
type List struct {
	mu       sync.Mutex
	entries  []entry
	settled  bool
	result   any
	success  bool
	disposed bool
}

// Create returns a new, empty continuation list.
func Create() *List {
	return &List{}
}

// Append registers a callback to be invoked when the list settles. If the
// list has already settled, the callback fires synchronously before Append
// returns. Append returns ErrAlreadySettled only when the list was disposed
// without ever settling (e.g. the owning awaitable was destroyed while
// still pending).
func (l *List) Append(waiter any, cb Callback) error {
	l.mu.Lock()
	if l.disposed && !l.settled {
		l.mu.Unlock()
		return ErrAlreadySettled
	}
	if l.settled {
		result, success := l.result, l.success
		l.mu.Unlock()
		cb(result, success)
		return nil
	}
	l.entries = append(l.entries, entry{waiter: waiter, callback: cb})
	l.mu.Unlock()
	return nil
}

// Trigger settles the list with the given result, delivering it to every
// registered callback in registration order. Calling Trigger more than once
// is a no-op after the first call.
func (l *List) Trigger(result any, success bool) {
	l.mu.Lock()
	if l.settled || l.disposed {
		l.mu.Unlock()
		return
	}
	l.settled = true
	l.result = result
	l.success = success
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, e := range entries {
		e.callback(result, success)
	}
}

// Dispose marks the list as permanently unsettleable, without invoking any
// pending callbacks. It is used when an awaitable is destroyed while still
// pending; callers that already registered a callback are expected to have
// a separate destruction path (core.Task.Close delivers ErrTaskDestroyed to
// its own waiters directly rather than relying on Dispose to do so, since
// that delivery must carry a specific error value).
func (l *List) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return
	}
	l.disposed = true
	l.entries = nil
}

// Len reports the number of callbacks currently registered and pending.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
