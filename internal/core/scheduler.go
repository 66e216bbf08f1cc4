package core

import (
	"fmt"
	"sync"

	"fiberweave/internal/metrics"
	"fiberweave/internal/taskctx"
	"fiberweave/internal/trace"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Activator is invoked when the scheduler transitions from empty-and-idle
// to non-empty while not running, giving an embedder a chance to schedule a
// Run call (e.g. on an external event loop). It holds one reference to its
// callable, conceptually; SetActivator replaces the previous one outright.
type Activator func(s *TaskScheduler)

// Adapter wraps or adapts a foreign value passed to Await. The core treats
// it as opaque: it is called only for values that do not already satisfy
// contlist.Awaitable (a *Task or a deferred.Deferred is never passed to it),
// and a non-nil result is awaited in place of the original value; a nil
// result leaves the original value as it was.
type Adapter func(value any) any

// TaskScheduler owns a FIFO queue of runnable tasks and drives them to
// completion on a single goroutine at a time. Reentrant Run calls are
// rejected, matching the non-goal that no two tasks ever run in parallel on
// one scheduler.
type TaskScheduler struct {
	mu       sync.Mutex
	queue    []*Task
	current  *Task
	running  bool
	activate bool

	activatorFnVal Activator
	adapterFnVal   Adapter

	ctx *taskctx.Context

	// currentCtx is the Context bound as active right now - a Task's own
	// Context while the dispatcher is switched into its fiber or while it
	// is running inline on another task's, falling back to the scheduler's
	// own ctx otherwise. Spawn captures whichever one is active as a new
	// Task's default Context.
	currentCtx *taskctx.Context

	fatal error

	logger  hclog.Logger
	metrics *metrics.Collector
	tracer  *trace.Recorder
	runID   string
}

// SchedulerOption configures a TaskScheduler at construction time.
type SchedulerOption func(*TaskScheduler)

// WithContextSeed seeds the scheduler's ambient Context with the given
// values, mirroring the original extension's TaskScheduler constructor
// accepting a context array.
func WithContextSeed(seed map[string]any) SchedulerOption {
	return func(s *TaskScheduler) { s.ctx = taskctx.New(seed, s.ctx.ErrHandler()) }
}

// WithErrorHandler installs the Context's error handler, invoked when a
// continuation callback panics. The failure is still recorded in the
// scheduler's fatal slot, so Run panics afterwards whether or not a handler
// is installed.
func WithErrorHandler(h taskctx.ErrorHandler) SchedulerOption {
	return func(s *TaskScheduler) { s.ctx = taskctx.New(s.ctx.Values(), h) }
}

// WithLogger installs a structured logger. Defaults to hclog's discarding
// logger.
func WithLogger(l hclog.Logger) SchedulerOption {
	return func(s *TaskScheduler) { s.logger = l }
}

// WithMetrics installs a Prometheus collector.
func WithMetrics(c *metrics.Collector) SchedulerOption {
	return func(s *TaskScheduler) { s.metrics = c }
}

// WithTracer installs a deterministic lifecycle trace recorder.
func WithTracer(r *trace.Recorder) SchedulerOption {
	return func(s *TaskScheduler) { s.tracer = r }
}

// WithRunID sets the identity recorded on traces produced by this
// scheduler. Defaults to an empty string (the embedder names its own runs).
func WithRunID(id string) SchedulerOption {
	return func(s *TaskScheduler) { s.runID = id }
}

// NewTaskScheduler creates an idle TaskScheduler. Its ambient Context
// starts empty with no error handler unless WithContextSeed/
// WithErrorHandler are supplied.
func NewTaskScheduler(opts ...SchedulerOption) *TaskScheduler {
	s := &TaskScheduler{
		activate: true,
		ctx:      taskctx.New(nil, nil),
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Context returns the scheduler's ambient Context.
func (s *TaskScheduler) Context() *taskctx.Context { return s.ctx }

// activeContext returns whichever Context is currently bound as active -
// the one a newly Spawned task should default to - falling back to the
// scheduler's own ambient Context when nothing is currently bound (the
// scheduler is idle, or Run hasn't switched into a fiber yet).
func (s *TaskScheduler) activeContext() *taskctx.Context {
	if s.currentCtx != nil {
		return s.currentCtx
	}
	return s.ctx
}

// SetActivator installs (or clears, with nil) the activator hook.
func (s *TaskScheduler) SetActivator(a Activator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activatorFnVal = a
}

// SetAdapter installs (or clears, with nil) the adapter hook.
func (s *TaskScheduler) SetAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapterFnVal = a
}

func (s *TaskScheduler) adapterFn() Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapterFnVal
}

func (s *TaskScheduler) recordInline(t *Task) {
	if s.metrics != nil {
		s.metrics.RecordInline()
	}
	s.trace(EventOpInline, t)
}

// Count reports the number of tasks currently queued for dispatch,
// matching the original TaskScheduler's Countable implementation.
func (s *TaskScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MarshalJSON always fails: TaskScheduler::__wakeup in the original
// extension refuses unserialization outright, and a scheduler's dispatcher
// state (live goroutines, open channels) has no meaningful encoding.
func (s *TaskScheduler) MarshalJSON() ([]byte, error) {
	return nil, ErrUnserializable
}

// Spawn creates a new Task bound to this scheduler and enqueues it in
// status INIT, invoking the activator if the scheduler was idle.
func (s *TaskScheduler) Spawn(fn TaskFunc, opts ...TaskOption) *Task {
	t := newTask(s, s.activeContext(), fn, opts...)
	s.trace(EventTaskSpawned, t)
	s.enqueue(t, OpStart)
	return t
}

// Spawn creates a child Task on the same scheduler as t, the Go realization
// of calling Task::async from inside a running task.
func (t *Task) Spawn(fn TaskFunc, opts ...TaskOption) *Task {
	return t.scheduler.Spawn(fn, opts...)
}

// enqueueResume re-enqueues a suspended task whose awaited value just
// settled. Called from whichever goroutine triggered the continuation -
// possibly the scheduler's own dispatch goroutine, possibly an external
// goroutine settling a deferred.Deferred.
func (s *TaskScheduler) enqueueResume(t *Task) {
	s.enqueue(t, OpResume)
}

// enqueue appends t to the FIFO queue with the given operation, silently
// doing nothing if t's status does not match what that operation expects
// (mirrors concurrent_task_scheduler_enqueue's status switch: INIT->START,
// SUSPENDED->RESUME, anything else is a no-op return).
func (s *TaskScheduler) enqueue(t *Task, op Operation) {
	switch op {
	case OpStart:
		if t.Status() != StatusInit {
			return
		}
	case OpResume:
		if t.Status() != StatusSuspended {
			return
		}
	default:
		return
	}

	t.setQueued(true)
	s.mu.Lock()
	t.operation = op
	t.ref()
	s.queue = append(s.queue, t)
	wasIdle := !s.running && s.activate
	if wasIdle {
		s.activate = false
	}
	activator := s.activatorFnVal
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetScheduledTasks(s.Count())
	}

	if wasIdle && activator != nil {
		activator(s)
	}
}

// dequeue removes t from the FIFO queue if it is still sitting there
// unwidispatched, releasing the queued pin and clearing its queued flag.
// It is used by the inline fast path: a freshly Spawned task is enqueued
// with OpStart immediately, so running it inline must first pull it back
// out of the queue - otherwise the dispatcher would later pop it again and
// find it already past INIT.
func (s *TaskScheduler) dequeue(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			t.operation = OpNone
			t.setQueued(false)
			t.unref()
			return true
		}
	}
	return false
}

// Run drains the FIFO queue, switching into each task's fiber in turn until
// the queue empties. Reentrant calls (Run called while already running)
// are rejected with ErrSchedulerBusy. Matching the original's
// concurrent_task_scheduler_run, the empty-queue check happens first,
// before any dispatcher setup.
func (s *TaskScheduler) Run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerBusy
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.activate = true
		s.current = nil
		fatal := s.fatal
		s.fatal = nil
		s.mu.Unlock()
		if fatal != nil {
			if s.metrics != nil {
				s.metrics.RecordFatalRun()
			}
			panic(fatal)
		}
	}()

	s.dispatchLoop()
	return nil
}

// dispatchLoop is the FIFO drain: pop the head, switch into its fiber
// (starting or resuming it), trigger its continuations if it settled, and
// repeat until the queue is empty or a continuation callback panics.
func (s *TaskScheduler) dispatchLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		op := next.operation
		next.operation = OpNone
		s.mu.Unlock()

		next.setQueued(false)
		next.unref()
		if s.metrics != nil {
			s.metrics.SetScheduledTasks(s.Count())
		}

		if op == OpNone {
			continue
		}

		s.current = next
		boundCtx := next.ctx
		prevCtx := s.currentCtx
		s.currentCtx = boundCtx
		if boundCtx != nil {
			boundCtx.Bind()
		}

		var finished bool
		switch op {
		case OpStart:
			s.trace(EventTaskStarted, next)
			if s.metrics != nil {
				s.metrics.RecordFiberCreated()
				s.metrics.RecordDispatch("start")
			}
			finished = next.start()
		case OpResume:
			s.trace(EventTaskResumed, next)
			if s.metrics != nil {
				s.metrics.RecordDispatch("resume")
			}
			finished = next.resumeFiber()
		}

		// Release the Context this slice bound, not whatever s.currentCtx
		// now holds - if next suspended inside an inline call, that call's
		// own bracket may have rebound currentCtx deeper and not yet
		// restored it (its own local prevCtx survives the fiber park and
		// unwinds correctly whenever next's body itself resumes).
		if boundCtx != nil {
			boundCtx.Release()
		}
		s.currentCtx = prevCtx
		s.current = nil

		if !finished {
			s.trace(EventTaskSuspended, next)
			continue
		}

		success := next.Status() == StatusFinished
		var payload any
		if success {
			payload = next.result
			s.trace(EventTaskFinished, next)
		} else {
			payload = next.err
			s.trace(EventTaskFailed, next)
		}

		if !s.triggerSafely(next, payload, success) {
			return
		}
	}
}

// triggerSafely invokes next's continuations, recovering from any panic a
// buggy callback raises and aggregating it into the scheduler's fatal slot.
// Per the error-handling design, a continuation callback failure is
// unconditionally fatal: it reports false so dispatchLoop aborts instead of
// continuing to drain a queue whose bookkeeping may now be inconsistent.
func (s *TaskScheduler) triggerSafely(t *Task, payload any, success bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			wrapped := errors.WithStack(fmt.Errorf("continuation callback panicked for task %d: %v", t.id, r))
			s.mu.Lock()
			s.fatal = multierror.Append(s.fatal, wrapped)
			s.mu.Unlock()
			s.ctx.HandleError(payload, wrapped)
			ok = false
		}
	}()
	t.conts.Trigger(payload, success)
	s.trace(EventContinuationFired, t)
	return true
}

func (s *TaskScheduler) trace(kind trace.TraceEventKind, t *Task) {
	if s.tracer == nil {
		return
	}
	ev := traceEvent(kind, t)
	s.tracer.Record(ev)
}
