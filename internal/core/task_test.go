package core

import (
	"errors"
	"testing"

	"fiberweave/internal/deferred"
)

func TestSpawnRun_ResultIsObservable(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) {
		return 42, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}

	value, err, ok := task.Result()
	if !ok || err != nil || value != 42 {
		t.Fatalf("expected terminal result 42, got %v %v %v", value, err, ok)
	}
	if task.Status() != StatusFinished {
		t.Fatalf("expected FINISHED, got %s", task.Status())
	}
}

func TestSpawnRun_ErrorPropagatesToDeadStatus(t *testing.T) {
	s := NewTaskScheduler()
	sentinel := errors.New("task failed")
	task := s.Spawn(func(t *Task) (any, error) {
		return nil, sentinel
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}

	_, err, ok := task.Result()
	if !ok || err != sentinel {
		t.Fatalf("expected terminal error %v, got %v (ok=%v)", sentinel, err, ok)
	}
	if task.Status() != StatusDead {
		t.Fatalf("expected DEAD, got %s", task.Status())
	}
}

func TestAwait_NonAwaitableValuePassesThrough(t *testing.T) {
	s := NewTaskScheduler()
	var got any
	var gotErr error
	s.Spawn(func(t *Task) (any, error) {
		got, gotErr = t.Await(42)
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if gotErr != nil || got != 42 {
		t.Fatalf("expected an unawaitable value to pass through unchanged, got %v %v", got, gotErr)
	}
}

func TestAwait_AlreadyFinishedTask_ReturnsImmediately(t *testing.T) {
	s := NewTaskScheduler()
	child := s.Spawn(func(t *Task) (any, error) { return "child", nil })
	var got any
	var gotErr error
	s.Spawn(func(t *Task) (any, error) {
		// By FIFO order child dispatches and finishes before this task runs.
		got, gotErr = t.Await(child)
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if gotErr != nil || got != "child" {
		t.Fatalf("expected immediate delivery of child's finished result, got %v %v", got, gotErr)
	}
}

func TestAwait_AlreadyDeadTask_ReturnsItsError(t *testing.T) {
	s := NewTaskScheduler()
	sentinel := errors.New("child blew up")
	child := s.Spawn(func(t *Task) (any, error) { return nil, sentinel })
	var gotErr error
	s.Spawn(func(t *Task) (any, error) {
		_, gotErr = t.Await(child)
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if gotErr != sentinel {
		t.Fatalf("expected the dead child's own error, got %v", gotErr)
	}
}

func TestAwait_InlineFastPath_SameSchedulerSameStack(t *testing.T) {
	s := NewTaskScheduler()
	var childRan bool
	var awaitedValue any
	var awaitedErr error

	parent := s.Spawn(func(t *Task) (any, error) {
		child := t.Spawn(func(ct *Task) (any, error) {
			childRan = true
			return "child-result", nil
		})
		v, err := t.Await(child)
		awaitedValue, awaitedErr = v, err
		return v, err
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if !childRan {
		t.Fatalf("expected the child body to run via the inline fast path")
	}
	if awaitedErr != nil || awaitedValue != "child-result" {
		t.Fatalf("expected inline await to return the child's result, got %v %v", awaitedValue, awaitedErr)
	}
	if result, err, ok := parent.Result(); !ok || err != nil || result != "child-result" {
		t.Fatalf("expected parent to finish carrying the child's result, got %v %v %v", result, err, ok)
	}
}

func TestAwait_InlineFastPath_LargerChildStackIsNotInlined(t *testing.T) {
	s := NewTaskScheduler()
	var childRan bool

	s.Spawn(func(t *Task) (any, error) {
		child := t.Spawn(func(ct *Task) (any, error) {
			childRan = true
			return "child-result", nil
		}, WithStackSize(t.stackSize*2))
		v, err := t.Await(child)
		if err != nil || v != "child-result" {
			t.Errorf("expected the oversized child to still resolve correctly, got %v %v", v, err)
		}
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if !childRan {
		t.Fatalf("expected the oversized child to eventually run")
	}
}

func TestAwait_GeneralSuspendPath_ResumesOnSettle(t *testing.T) {
	s := NewTaskScheduler()
	d := deferred.New()

	var aResult any
	var aErr error
	a := s.Spawn(func(t *Task) (any, error) {
		v, err := t.Await(d)
		aResult, aErr = v, err
		return v, err
	})

	var bResult any
	var bErr error
	s.Spawn(func(t *Task) (any, error) {
		v, err := t.Await(a)
		bResult, bErr = v, err
		return v, err
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected error from first Run: %v", err)
	}
	if a.Status() != StatusSuspended {
		t.Fatalf("expected task A suspended awaiting the pending deferred, got %s", a.Status())
	}

	d.Resolve("settled")

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected error from second Run: %v", err)
	}
	if aErr != nil || aResult != "settled" {
		t.Fatalf("expected task A to observe the settled value, got %v %v", aResult, aErr)
	}
	if bErr != nil || bResult != "settled" {
		t.Fatalf("expected task B to observe task A's result, got %v %v", bResult, bErr)
	}
}

func TestAwait_CrossSchedulerRejected(t *testing.T) {
	s1 := NewTaskScheduler()
	s2 := NewTaskScheduler()
	other := s2.Spawn(func(t *Task) (any, error) { return nil, nil })

	var gotErr error
	s1.Spawn(func(t *Task) (any, error) {
		_, gotErr = t.Await(other)
		return nil, nil
	})

	if err := s1.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if gotErr != ErrCrossScheduler {
		t.Fatalf("expected ErrCrossScheduler, got %v", gotErr)
	}
}

func TestAwait_OnNonRunningTask_ReturnsErrNotRunning(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}

	if _, err := task.Await("x"); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning calling Await outside a running task, got %v", err)
	}
}

func TestRefCount_ReturnsToZeroAfterCompletion(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if rc := task.RefCount(); rc != 0 {
		t.Fatalf("expected refcount 0 once quiesced, got %d", rc)
	}
}

func TestClose_DestroysSuspendedTask(t *testing.T) {
	s := NewTaskScheduler()
	d := deferred.New()
	var awaitErr error
	task := s.Spawn(func(t *Task) (any, error) {
		_, err := t.Await(d)
		awaitErr = err
		return nil, err
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if task.Status() != StatusSuspended {
		t.Fatalf("expected task suspended, got %s", task.Status())
	}

	if err := task.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}
	if task.Status() != StatusDead {
		t.Fatalf("expected task DEAD after Close, got %s", task.Status())
	}
	if awaitErr != ErrTaskDestroyed {
		t.Fatalf("expected the parked Await to observe ErrTaskDestroyed, got %v", awaitErr)
	}
	if rc := task.RefCount(); rc != 0 {
		t.Fatalf("expected refcount 0 after Close, got %d", rc)
	}
}

func TestClose_MarksInitTaskDeadWithoutRunning(t *testing.T) {
	s := NewTaskScheduler()
	var ran bool
	task := s.Spawn(func(t *Task) (any, error) { ran = true; return nil, nil })
	s.dequeue(task)

	if err := task.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}
	if task.Status() != StatusDead {
		t.Fatalf("expected DEAD, got %s", task.Status())
	}
	if ran {
		t.Fatalf("expected the task body never to run")
	}
}

func TestClose_OnFinishedTask_IsANoOp(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if err := task.Close(); err != nil {
		t.Fatalf("expected Close on an already-finished task to be a no-op, got %v", err)
	}
}

func TestClose_RejectsClosingARunningTask(t *testing.T) {
	s := NewTaskScheduler()
	var closeErr error
	s.Spawn(func(t *Task) (any, error) {
		closeErr = t.Close()
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if closeErr == nil {
		t.Fatalf("expected an error closing a task while it is still running")
	}
	var stateErr *StateError
	if !errors.As(closeErr, &stateErr) {
		t.Fatalf("expected a *StateError, got %T", closeErr)
	}
}

func TestMarshalJSON_TaskRefusesSerialization(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if _, err := task.MarshalJSON(); err != ErrUnserializable {
		t.Fatalf("expected ErrUnserializable, got %v", err)
	}
}
