// Package fiberprim provides the stackful-coroutine primitive the scheduler
// switches into and out of. Go has no native fiber type, so a Context pairs
// a goroutine with a pair of unbuffered channels that hand control back and
// forth symmetrically, the same way internal/dag's executor hands work items
// and results between a dispatcher and its workers.
package fiberprim

import (
	"fmt"
)

// Default stack-size budgets, kept for parity with the original extension's
// two pointer-width defaults. Go goroutines grow their stacks on demand, so
// these are not allocated; they are recorded as declared scheduling budgets
// that callers may compare against (see core.WithStackSize).
const (
	DefaultStackSize32 = 4096 * 16
	DefaultStackSize64 = 4096 * 128
)

// transfer is a unit of control handed across a switch boundary: either a
// resume value flowing in, or a yielded value (plus a done flag) flowing out.
type transfer struct {
	value any
	done  bool
}

// Context is one switchable coroutine. Entry runs on its own goroutine; the
// goroutine parks on resume until Switch sends it a value, and parks the
// caller on yielded until the entry function yields or returns.
type Context struct {
	entry   func(ctx *Context, first any) any
	resume  chan transfer
	yielded chan transfer
	panics  chan any
	started bool
	done    bool
}

// Create builds a Context around entry without starting its goroutine. The
// goroutine is launched lazily on the first Switch, mirroring the original
// extension's lazy fiber allocation on first resume.
func Create(entry func(ctx *Context, first any) any) *Context {
	return &Context{
		entry:   entry,
		resume:  make(chan transfer),
		yielded: make(chan transfer),
		panics:  make(chan any, 1),
	}
}

// CreateRootContext returns a Context representing the caller's own stack of
// control - the scheduler-root fiber the original extension caches per
// thread. It is never started; Switch on it is a degenerate no-op that
// reports finished. The core dispatcher does not switch to it: when its
// queue drains, dispatchLoop simply returns to the caller of Run.
func CreateRootContext() *Context {
	return &Context{done: true}
}

// Switch transfers control into ctx, resuming it with value, and blocks
// until ctx yields or returns. It reports the yielded/returned value and
// whether ctx has now finished.
func (c *Context) Switch(value any) (result any, finished bool) {
	if c == nil {
		return nil, true
	}
	if c.done {
		return nil, true
	}
	if !c.started {
		c.started = true
		go c.run(value)
	} else {
		c.resume <- transfer{value: value}
	}

	out := <-c.yielded
	if p := c.drainPanic(); p != nil {
		panic(p)
	}
	if out.done {
		c.done = true
	}
	return out.value, out.done
}

func (c *Context) drainPanic() any {
	select {
	case p := <-c.panics:
		return p
	default:
		return nil
	}
}

func (c *Context) run(first any) {
	defer func() {
		if r := recover(); r != nil {
			c.panics <- r
			c.yielded <- transfer{done: true}
			return
		}
	}()
	result := c.entry(c, first)
	c.yielded <- transfer{value: result, done: true}
}

// Yield suspends the calling fiber, handing value back to whoever last
// switched into it, and blocks until the fiber is switched into again. It
// must only be called from inside the entry function running on ctx's own
// goroutine.
func (c *Context) Yield(value any) any {
	c.yielded <- transfer{value: value}
	in := <-c.resume
	return in.value
}

// Done reports whether ctx's entry function has returned.
func (c *Context) Done() bool { return c.done }

// Destroy marks ctx as permanently finished. It does not attempt to unwind a
// still-running goroutine; callers must drive the fiber to completion (or
// arrange for its entry function to observe cancellation) before calling
// Destroy, matching the original's requirement that a fiber be suspended,
// never mid-execution, at destruction time.
func (c *Context) Destroy() error {
	if c == nil {
		return nil
	}
	if c.started && !c.done {
		return fmt.Errorf("fiberprim: cannot destroy a fiber that is still running")
	}
	c.done = true
	return nil
}
