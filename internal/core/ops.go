package core

import "fiberweave/internal/taskctx"

// IsRunning reports whether the calling goroutine is currently executing
// inside a Task's fiber, the package-level form of Task::isRunning usable
// without already holding a *Task receiver. It is distinct from
// (*Task).IsRunning, which reports one specific task's own RUNNING status
// regardless of which goroutine asks.
func IsRunning() bool {
	return currentTask() != nil
}

// Async spawns a new Task on the current scheduler using the current
// Context, the package-level form of Task::async. It fails with
// ErrAwaitOutsideTask when called from outside any running task, since Go
// has no implicit single "current" scheduler to fall back on otherwise.
func Async(fn TaskFunc, opts ...TaskOption) (*Task, error) {
	t := currentTask()
	if t == nil {
		return nil, ErrAwaitOutsideTask
	}
	return t.Spawn(fn, opts...), nil
}

// AsyncWithContext spawns a new Task on the current scheduler using ctx in
// place of the current Context, the package-level form of
// Task::asyncWithContext. It fails with ErrAwaitOutsideTask for the same
// reason Async does.
func AsyncWithContext(ctx *taskctx.Context, fn TaskFunc, opts ...TaskOption) (*Task, error) {
	t := currentTask()
	if t == nil {
		return nil, ErrAwaitOutsideTask
	}
	return t.scheduler.Spawn(fn, append(append([]TaskOption{}, opts...), WithContext(ctx))...), nil
}

// Await is the package-level form of Task::await's static call: from inside
// a running task it delegates to that task's own Await; called from
// outside any task - the degenerate case - it only accepts a *Task value,
// and synchronously drives that Task's own scheduler to quiescence via Run,
// then reports the Task's terminal outcome. It fails with ErrNoScheduler if
// value is not a *Task, with ErrSchedulerBusy if that Task's scheduler is
// already running on another goroutine, and with ErrIncomplete if the
// scheduler quiesced without bringing the Task to a terminal status (it
// suspended on something this call cannot settle).
func Await(value any) (any, error) {
	if t := currentTask(); t != nil {
		return t.Await(value)
	}

	target, ok := value.(*Task)
	if !ok {
		return nil, ErrNoScheduler
	}

	if err := target.scheduler.Run(); err != nil {
		return nil, err
	}

	switch target.Status() {
	case StatusFinished:
		return target.result, nil
	case StatusDead:
		return nil, target.err
	default:
		return nil, ErrIncomplete
	}
}
