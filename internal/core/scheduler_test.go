package core

import (
	"testing"

	"fiberweave/internal/contlist"
)

type adapterAwaitable struct{ list *contlist.List }

func (a *adapterAwaitable) Continuations() *contlist.List { return a.list }
func (a *adapterAwaitable) Settled() bool                 { return true }

func TestSpawn_EnqueuesTaskAndCountReflectsIt(t *testing.T) {
	s := NewTaskScheduler()
	s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if s.Count() != 1 {
		t.Fatalf("expected one queued task, got %d", s.Count())
	}
}

func TestRun_OnEmptyQueue_IsANoOp(t *testing.T) {
	s := NewTaskScheduler()
	if err := s.Run(); err != nil {
		t.Fatalf("unexpected error draining an empty scheduler: %v", err)
	}
}

func TestRun_RejectsReentrantCall(t *testing.T) {
	s := NewTaskScheduler()
	var inner error
	s.Spawn(func(t *Task) (any, error) {
		inner = s.Run()
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected outer Run error: %v", err)
	}
	if inner != ErrSchedulerBusy {
		t.Fatalf("expected ErrSchedulerBusy from the reentrant call, got %v", inner)
	}
}

func TestRun_DrainsMultipleTasksInFIFOOrder(t *testing.T) {
	s := NewTaskScheduler()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		s.Spawn(func(t *Task) (any, error) {
			order = append(order, i)
			return nil, nil
		})
	}

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected FIFO dispatch order, got %v", order)
	}
}

func TestRun_PanicsAfterContinuationCallbackPanics(t *testing.T) {
	s := NewTaskScheduler()
	task := s.Spawn(func(t *Task) (any, error) { return "ok", nil })
	_ = task.Continuations().Append(nil, func(result any, success bool) {
		panic("callback exploded")
	})

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Run to panic after a continuation callback panicked")
		}
	}()
	_ = s.Run()
	t.Fatalf("expected panic before reaching this point")
}

func TestMarshalJSON_SchedulerRefusesSerialization(t *testing.T) {
	s := NewTaskScheduler()
	if _, err := s.MarshalJSON(); err != ErrUnserializable {
		t.Fatalf("expected ErrUnserializable, got %v", err)
	}
}

func TestSetActivator_FiresOnlyWhenTransitioningFromIdle(t *testing.T) {
	s := NewTaskScheduler()
	calls := 0
	s.SetActivator(func(s *TaskScheduler) { calls++ })

	s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if calls != 1 {
		t.Fatalf("expected the activator invoked once on the first enqueue, got %d", calls)
	}

	s.Spawn(func(t *Task) (any, error) { return nil, nil })
	if calls != 1 {
		t.Fatalf("expected the activator not to refire while activation is already pending, got %d", calls)
	}
}

func TestSetAdapter_WrapsUnawaitableValueBeforeCapabilityCheck(t *testing.T) {
	s := NewTaskScheduler()
	s.SetAdapter(func(value any) any {
		ch, ok := value.(chan int)
		if !ok {
			return nil
		}
		list := contlist.Create()
		list.Trigger(<-ch, true)
		return &adapterAwaitable{list: list}
	})

	var got any
	var gotErr error
	ch := make(chan int, 1)
	ch <- 7

	s.Spawn(func(t *Task) (any, error) {
		got, gotErr = t.Await(ch)
		return nil, nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if gotErr != nil {
		t.Fatalf("unexpected await error: %v", gotErr)
	}
	if got != 7 {
		t.Fatalf("expected the adapter-wrapped channel read to settle with 7, got %v", got)
	}
}

func TestWithContextSeed_PopulatesAmbientContext(t *testing.T) {
	s := NewTaskScheduler(WithContextSeed(map[string]any{"tenant": "acme"}))
	v, ok := s.Context().Get("tenant")
	if !ok || v != "acme" {
		t.Fatalf("expected seeded context value, got %v %v", v, ok)
	}
}
