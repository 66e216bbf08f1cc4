// Package taskctx implements the ambient context carried across await
// points: a key/value map seeded at scheduler construction, plus an optional
// error handler invoked when a continuation callback itself fails.
package taskctx

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrorHandler is invoked with the value that failed and the error that was
// raised while delivering it to a continuation. Typed as func(any, error)
// rather than referencing core.Task to avoid an import cycle between
// internal/core and internal/taskctx (the scheduler owns a Context, and a
// Context's error handler must not need to import the scheduler's package).
type ErrorHandler func(value any, err error)

// Context is the ambient state restored around every fiber switch. A
// TaskScheduler owns one ambient Context; each task captures the Context
// active when it is spawned (or an explicit override), so tasks on the same
// scheduler may observe different Contexts.
type Context struct {
	id      uuid.UUID
	values  map[string]any
	onError ErrorHandler
	bound   int32
}

// New builds a Context seeded with the given values (which may be nil) and
// an optional error handler.
func New(seed map[string]any, onError ErrorHandler) *Context {
	values := make(map[string]any, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Context{
		id:      uuid.New(),
		values:  values,
		onError: onError,
	}
}

// ID returns the Context's identity, stable for its lifetime.
func (c *Context) ID() uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	return c.id
}

// Values returns a copy of the Context's current key/value map, used when
// an embedder layers additional construction options on top of one another
// (see core.WithContextSeed / core.WithErrorHandler).
func (c *Context) Values() map[string]any {
	if c == nil {
		return nil
	}
	cp := make(map[string]any, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return cp
}

// ErrHandler returns the installed error handler, or nil.
func (c *Context) ErrHandler() ErrorHandler {
	if c == nil {
		return nil
	}
	return c.onError
}

// Get looks up a value by key.
func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Set installs or overwrites a value by key.
func (c *Context) Set(key string, value any) {
	if c == nil {
		return
	}
	c.values[key] = value
}

// HandleError reports a continuation-delivery failure to the installed
// error handler, if any. It is a no-op when no handler was installed, in
// which case the caller is expected to escalate the failure itself (the
// scheduler aggregates these into a fatal error - see core.TaskScheduler).
func (c *Context) HandleError(value any, err error) {
	if c == nil || c.onError == nil {
		return
	}
	c.onError(value, err)
}

// Bind marks the Context as the active context of a fiber switch, mirroring
// the original extension's GC_ADDREF on task->context at enqueue time. The
// scheduler calls it every time it swaps a Task's Context in as current -
// around a dispatch slice and around an inlined nested call - and pairs it
// with a matching Release once that slice unwinds or suspends. Nested inline
// execution can hold the same Context bound more than once at a time.
func (c *Context) Bind() {
	if c == nil {
		return
	}
	atomic.AddInt32(&c.bound, 1)
}

// Release undoes a matching Bind call. See Bind.
func (c *Context) Release() {
	if c == nil {
		return
	}
	atomic.AddInt32(&c.bound, -1)
}

// Bound reports how many fiber switches currently hold this Context active.
func (c *Context) Bound() int32 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt32(&c.bound)
}
