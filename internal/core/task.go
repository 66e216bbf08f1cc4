// Package core implements the Task/TaskScheduler pair: a cooperative,
// fiber-backed unit of work and the FIFO dispatcher that drives it. The two
// types are mutually recursive - a Task suspends itself against its owning
// TaskScheduler, and the scheduler resumes tasks by switching their fibers -
// so, following the teacher's own choice to keep TaskGraph and Executor in
// one internal/dag package, they live together here rather than across an
// import boundary.
package core

import (
	"strconv"
	"sync"
	"sync/atomic"

	"fiberweave/internal/contlist"
	"fiberweave/internal/fiberprim"
	"fiberweave/internal/taskctx"

	"github.com/hashicorp/go-hclog"
)

// Status is a Task's position in its lifecycle.
type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusSuspended
	StatusFinished
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusRunning:
		return "RUNNING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusFinished:
		return "FINISHED"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Operation tags a queued Task with what the dispatcher must do when it
// reaches the head of the queue: create and start a fresh fiber, or resume
// an existing one. A Task sitting in the queue with OpNone is a transient
// state the dispatcher discards without switching into it.
type Operation int

const (
	OpNone Operation = iota
	OpStart
	OpResume
)

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusInit:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSuspended || to == StatusFinished || to == StatusDead
	case StatusSuspended:
		return to == StatusRunning || to == StatusDead
	default:
		return false
	}
}

// transition performs a validated status change, mirroring the teacher's
// dag.Transition: the caller states the expected prior status so races are
// observable, and the field only mutates on success.
func (t *Task) transition(from, to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from {
		return transitionErrorf("task %d: expected %s, got %s", t.id, from, t.status)
	}
	if !isAllowedTransition(from, to) {
		return transitionErrorf("task %d: disallowed %s -> %s", t.id, from, to)
	}
	t.status = to
	return nil
}

// TaskFunc is a unit of work run on a Task's fiber. It receives the Task
// itself so it can call Await on nested awaitables.
type TaskFunc func(t *Task) (any, error)

var nextTaskID uint64

// Task wraps a TaskFunc so it can run cooperatively on a TaskScheduler,
// suspending at await points and resuming when the value it awaited
// settles.
type Task struct {
	id        uint64
	scheduler *TaskScheduler
	fn        TaskFunc
	stackSize int

	// ctx is the Context captured at spawn time - the scheduler's current
	// one by default, or an explicit override from AsyncWithContext /
	// WithContext. It is bound as the scheduler's active Context around
	// every fiber switch into this task and restored on the way out,
	// mirroring TASK_G(current_context) being swapped around
	// concurrent_task_start/concurrent_task_continue.
	ctx *taskctx.Context

	fiber *fiberprim.Context

	// inlineHost is set only while this Task's body is running on another
	// Task's fiber via the inline fast path (awaitInline). It is nil for a
	// Task running on its own fiber. A nested inline chain always resolves
	// to the real fiber-owning Task at the bottom, however deep the
	// inlining goes.
	inlineHost *Task

	mu         sync.Mutex
	status     Status
	operation  Operation
	queuedFlag int32

	result any
	err    error

	refcount int32

	conts *contlist.List

	// resumeValue/resumeErr/resumeSuccess carry the settle payload from a
	// continuation callback into the parked Await call that is about to be
	// resumed. They are written by whichever goroutine settles the
	// awaitable, strictly before the task is placed back on the queue, and
	// read only after the dispatcher switches back into this task's fiber -
	// the fiber switch is the synchronization point, so no additional
	// locking is needed around them.
	resumeValue   any
	resumeErr     error
	resumeSuccess bool

	logger hclog.Logger
}

// TaskOption configures a Task at Spawn time.
type TaskOption func(*Task)

// WithStackSize records a declared scheduling-budget hint used by the
// inline fast path's "T.stackSize <= self.stackSize" precondition check. It
// has no effect on actual goroutine stack allocation.
func WithStackSize(size int) TaskOption {
	return func(t *Task) { t.stackSize = size }
}

// WithContext overrides the Context captured at spawn time, the Go
// realization of Task::asyncWithContext taking an explicit context instead
// of inheriting the current one.
func WithContext(ctx *taskctx.Context) TaskOption {
	return func(t *Task) { t.ctx = ctx }
}

func newTask(s *TaskScheduler, ctx *taskctx.Context, fn TaskFunc, opts ...TaskOption) *Task {
	stackSize := fiberprim.DefaultStackSize64
	if strconv.IntSize == 32 {
		stackSize = fiberprim.DefaultStackSize32
	}
	t := &Task{
		id:        atomic.AddUint64(&nextTaskID, 1),
		scheduler: s,
		fn:        fn,
		ctx:       ctx,
		stackSize: stackSize,
		status:    StatusInit,
		operation: OpNone,
		conts:     contlist.Create(),
		logger:    s.logger.Named("task"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the Task's identity, a monotonically increasing counter
// assigned at construction, mirroring the original extension's
// `global counter + 1` scheme.
func (t *Task) ID() uint64 { return t.id }

// Status returns the Task's current lifecycle status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsRunning reports whether the Task is currently executing on its fiber.
func (t *Task) IsRunning() bool { return t.Status() == StatusRunning }

// Scheduler returns the TaskScheduler this Task was spawned on.
func (t *Task) Scheduler() *TaskScheduler { return t.scheduler }

// Context returns the Context captured for this Task at spawn time.
func (t *Task) Context() *taskctx.Context { return t.ctx }

// Result returns the Task's terminal outcome. ok is false if the Task has
// not yet reached a terminal status.
func (t *Task) Result() (value any, err error, ok bool) {
	switch t.Status() {
	case StatusFinished:
		return t.result, nil, true
	case StatusDead:
		return nil, t.err, true
	default:
		return nil, nil, false
	}
}

// RefCount reports the Task's current pin count: queued and suspended each
// hold one independent reference. Exposed for tests asserting that
// scheduler accounting returns to zero once a run quiesces.
func (t *Task) RefCount() int32 { return atomic.LoadInt32(&t.refcount) }

func (t *Task) ref()   { atomic.AddInt32(&t.refcount, 1) }
func (t *Task) unref() { atomic.AddInt32(&t.refcount, -1) }

// MarshalJSON always fails: the original extension denies serialization of
// a Task outright (`Task::__wakeup` throws "Unserialization of a task is
// not allowed"), and a task's fiber state has no meaningful encoding
// anyway.
func (t *Task) MarshalJSON() ([]byte, error) {
	return nil, ErrUnserializable
}

// Continuations implements contlist.Awaitable.
func (t *Task) Continuations() *contlist.List { return t.conts }

// Settled implements contlist.Awaitable.
func (t *Task) Settled() bool {
	s := t.Status()
	return s == StatusFinished || s == StatusDead
}

// settleFromBody records the outcome of running fn and performs the
// RUNNING -> FINISHED|DEAD transition, unless the Task was already forced
// to DEAD by Close while this body was unwinding (destroy-while-suspended:
// the transition already happened, and fn's own return value, typically
// ErrTaskDestroyed propagated back out of a failed Await, must not
// overwrite the destroy's own error).
func (t *Task) settleFromBody(result any, err error) {
	if t.Status() == StatusDead && t.err != nil {
		return
	}
	if err != nil {
		t.result, t.err = nil, err
		_ = t.transition(StatusRunning, StatusDead)
	} else {
		t.result, t.err = result, nil
		_ = t.transition(StatusRunning, StatusFinished)
	}
}

// fiberEntry is the function run on this Task's dedicated fiber. It does
// not trigger continuations itself - the dispatcher does that once the
// fiber switch reports the task finished, keeping continuation delivery
// centralized in one place regardless of how many suspend/resume cycles a
// task goes through.
func (t *Task) fiberEntry(fc *fiberprim.Context, first any) any {
	t.fiber = fc
	restore := bindCurrentFiber(t)
	defer restore()
	result, err := t.fn(t)
	t.settleFromBody(result, err)
	return nil
}

// start transitions the Task from INIT to RUNNING and switches into a
// freshly created fiber. It reports whether the fiber ran to completion
// (FINISHED or DEAD) without suspending.
func (t *Task) start() bool {
	if err := t.transition(StatusInit, StatusRunning); err != nil {
		t.logger.Error("invalid start transition", "task", t.id, "error", err)
		return true
	}
	fc := fiberprim.Create(t.fiberEntry)
	t.fiber = fc
	_, finished := fc.Switch(nil)
	return finished
}

// resumeFiber switches back into an existing fiber after a continuation
// settled whatever it was suspended on. If the Task was destroyed while
// suspended, status is already DEAD and this call exists only to let the
// fiber's parked Await observe that and unwind.
func (t *Task) resumeFiber() bool {
	if t.Status() == StatusSuspended {
		_ = t.transition(StatusSuspended, StatusRunning)
	}
	_, finished := t.fiber.Switch(nil)
	return finished
}

// Await suspends the calling Task until value settles, returning its
// result or re-raising its error. See contlist.Awaitable, awaitSuspend and
// TaskScheduler.dispatchLoop for the dispatch mechanics.
//
// Dispatch by value, mirroring the five cases the original Task::await
// implements:
//
//  1. value does not satisfy the awaitable capability (after an optional
//     adapter pass): returned unchanged, no suspension.
//  2. value is an already-FINISHED or -DEAD Task: its terminal result or
//     error is returned immediately, no suspension.
//  3. value is a same-scheduler Task in INIT whose declared stack fits
//     within the caller's: run inline, on the caller's own fiber, with no
//     new fiber ever created.
//  4. value is a pending Task on the same scheduler, or any other pending
//     Awaitable: attach a continuation, pin this task, suspend, and yield.
//     An already-settled non-Task Awaitable returns its value (or error)
//     immediately, without suspending.
//  5. value is a Task on a different scheduler: ErrCrossScheduler.
func (t *Task) Await(value any) (any, error) {
	if t.Status() != StatusRunning {
		return nil, ErrNotRunning
	}

	if _, ok := value.(contlist.Awaitable); !ok {
		if adapter := t.scheduler.adapterFn(); adapter != nil {
			if adapted := adapter(value); adapted != nil {
				value = adapted
			}
		}
	}

	if other, isTask := value.(*Task); isTask {
		if other.scheduler != t.scheduler {
			return nil, ErrCrossScheduler
		}
		switch other.Status() {
		case StatusFinished:
			return other.result, nil
		case StatusDead:
			return nil, other.err
		case StatusInit:
			if other.stackSize <= t.stackSize {
				return t.awaitInline(other)
			}
		}
		return t.awaitSuspend(other)
	}

	aw, ok := value.(contlist.Awaitable)
	if !ok {
		return value, nil
	}
	if aw.Settled() {
		return t.awaitSettledNonTask(aw)
	}
	return t.awaitSuspend(aw)
}

// awaitInline runs other's body synchronously on the caller's own fiber,
// skipping fiber creation entirely - the fast path §4.4 calls out for
// nested same-scheduler awaits.
func (t *Task) awaitInline(other *Task) (any, error) {
	t.scheduler.dequeue(other)
	if err := other.transition(StatusInit, StatusRunning); err != nil {
		return nil, err
	}
	t.scheduler.recordInline(other)

	// other never gets a fiber of its own: it runs on whichever real fiber
	// is currently executing this call, found by following inlineHost to
	// the bottom of any nested inline chain. If other's body suspends, it
	// suspends that real fiber in place (awaitSuspend resolves through
	// inlineHost too) instead of panicking on a nil fiber.
	host := t
	if t.inlineHost != nil {
		host = t.inlineHost
	}
	other.inlineHost = host
	other.fiber = host.fiber

	restoreFiber := bindCurrentFiber(other)
	prevCtx := t.scheduler.currentCtx
	t.scheduler.currentCtx = other.ctx
	if other.ctx != nil {
		other.ctx.Bind()
	}

	result, err := other.fn(other)

	if other.ctx != nil {
		other.ctx.Release()
	}
	t.scheduler.currentCtx = prevCtx
	restoreFiber()
	other.inlineHost = nil
	other.fiber = nil

	other.settleFromBody(result, err)

	success := other.Status() == StatusFinished
	var payload any
	if success {
		payload = other.result
	} else {
		payload = other.err
	}
	other.conts.Trigger(payload, success)

	if !success {
		return nil, other.err
	}
	return other.result, nil
}

// awaitSettledNonTask reads the terminal value off an already-settled
// non-Task Awaitable (e.g. a resolved deferred.Deferred) without
// suspending.
func (t *Task) awaitSettledNonTask(aw contlist.Awaitable) (any, error) {
	var result any
	var success bool
	// Append on an already-settled list fires synchronously with the
	// stored result, exactly once; no suspension, no continuation left
	// dangling.
	_ = aw.Continuations().Append(t, func(r any, ok bool) {
		result, success = r, ok
	})
	if !success {
		if err, ok := result.(error); ok {
			return nil, err
		}
		return nil, ErrNotRunning
	}
	return result, nil
}

// awaitSuspend is the general suspend-and-resume path: attach a
// continuation, pin the task, transition to SUSPENDED, and yield to the
// scheduler. It returns once the awaitable settles and this task is
// resumed.
//
// When t is running inline on another task's fiber (t.inlineHost != nil),
// the yield, the pin, the continuation registration and the resume
// bookkeeping all target the real fiber owner (host) instead of t: t has no
// fiber of its own to yield on, and the scheduler only ever knows how to
// dispatch a resume against the task that actually owns a fiber. This
// mirrors the original extension never swapping TASK_G(current_fiber)
// during inline execution - a nested suspend is, from the scheduler's point
// of view, indistinguishable from the host task suspending.
func (t *Task) awaitSuspend(aw contlist.Awaitable) (any, error) {
	if err := t.transition(StatusRunning, StatusSuspended); err != nil {
		return nil, err
	}
	host := t
	if t.inlineHost != nil {
		host = t.inlineHost
		// host's own status is what the scheduler's dispatchLoop/resumeFiber
		// inspect to decide whether a resume needs a RUNNING transition
		// first; without this, an inline-hosted suspend would leave an
		// observer's host.Status() reading RUNNING the whole time it is
		// actually blocked.
		_ = host.transition(StatusRunning, StatusSuspended)
	}
	host.ref()

	err := aw.Continuations().Append(host, func(result any, success bool) {
		host.resumeValue = result
		host.resumeSuccess = success
		if !success {
			if e, ok := result.(error); ok {
				host.resumeErr = e
			} else {
				host.resumeErr = ErrNotRunning
			}
		}
		host.scheduler.enqueueResume(host)
	})
	if err != nil {
		// The awaitable was disposed (destroyed) without ever settling.
		_ = t.transition(StatusSuspended, StatusRunning)
		if host != t {
			_ = host.transition(StatusSuspended, StatusRunning)
		}
		host.unref()
		return nil, err
	}

	host.fiber.Yield(nil)
	host.unref()

	if t.Status() == StatusSuspended {
		_ = t.transition(StatusSuspended, StatusRunning)
	}

	if t.Status() == StatusDead {
		return nil, ErrTaskDestroyed
	}
	if !host.resumeSuccess {
		return nil, host.resumeErr
	}
	return host.resumeValue, nil
}

// isQueued reports whether the task currently sits in its scheduler's FIFO
// queue awaiting dispatch.
func (t *Task) isQueued() bool { return atomic.LoadInt32(&t.queuedFlag) != 0 }

func (t *Task) setQueued(v bool) {
	if v {
		atomic.StoreInt32(&t.queuedFlag, 1)
	} else {
		atomic.StoreInt32(&t.queuedFlag, 0)
	}
}

// Close destroys a Task. If it is SUSPENDED, it is forced to DEAD; unless
// the task is already queued for a resume the dispatcher will perform
// shortly (in which case that dispatch does the final switch, avoiding two
// goroutines switching into the same fiber concurrently), Close switches
// into the fiber itself one final time so its frame unwinds observing
// ErrTaskDestroyed from the parked Await call. A Task still in INIT is
// simply marked DEAD without ever having run.
func (t *Task) Close() error {
	switch t.Status() {
	case StatusFinished, StatusDead:
		return nil
	case StatusInit:
		t.mu.Lock()
		t.status = StatusDead
		t.err = ErrTaskDestroyed
		t.mu.Unlock()
		return nil
	case StatusSuspended:
		t.mu.Lock()
		t.status = StatusDead
		t.err = ErrTaskDestroyed
		t.mu.Unlock()
		t.resumeSuccess = false
		t.resumeErr = ErrTaskDestroyed

		// A task suspended while inline-hosted shares its host's fiber;
		// switching into it directly here would race the switch the
		// scheduler performs when it eventually resumes that host, just
		// like the already-queued case below. Marking it DEAD is enough -
		// the host's own unwind will observe it once it resumes.
		if t.isQueued() || t.inlineHost != nil {
			return nil
		}
		t.fiber.Switch(nil)
		t.conts.Trigger(t.err, false)
		return nil
	default:
		return transitionErrorf("task %d: cannot close from status %s", t.id, t.Status())
	}
}
