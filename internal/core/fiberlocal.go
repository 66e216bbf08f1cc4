package core

import (
	"runtime"
	"sync"
)

// goroutineID extracts the calling goroutine's numeric id from the header
// line of its own stack trace ("goroutine 123 [running]: ..."). Go exposes
// no native thread-local storage, so this is the same technique used
// elsewhere in the example pack to answer "which logical worker am I" from
// inside arbitrary call depth without threading an explicit parameter
// through every call site - the direct analogue of the original extension's
// TASK_G(current_fiber) thread-local slot.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

var (
	currentFiberMu sync.Mutex
	currentFiber   = map[uint64]*Task{}
)

// bindCurrentFiber registers t as the Task whose fiber is running on the
// calling goroutine - a Task's fiber goroutine is dedicated to it for its
// entire lifetime, so the goroutine id is a stable key for the duration of
// one fiberEntry call. It returns a restore func that puts back whatever
// (if anything) was registered before, so nested inline execution can
// temporarily rebind the registry to the inlined task and hand it back
// afterward.
func bindCurrentFiber(t *Task) (restore func()) {
	id := goroutineID()
	currentFiberMu.Lock()
	prev, had := currentFiber[id]
	currentFiber[id] = t
	currentFiberMu.Unlock()
	return func() {
		currentFiberMu.Lock()
		if had {
			currentFiber[id] = prev
		} else {
			delete(currentFiber, id)
		}
		currentFiberMu.Unlock()
	}
}

// currentTask returns the Task whose fiber is running on the calling
// goroutine, or nil if the caller is not inside any Task's fiber at all -
// ordinary user code, or a scheduler's own Run call.
func currentTask() *Task {
	id := goroutineID()
	currentFiberMu.Lock()
	defer currentFiberMu.Unlock()
	return currentFiber[id]
}
