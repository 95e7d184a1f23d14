package uwb

import (
	"context"
	"time"
)

// nativeCallTimeout bounds every blocking call issued to the native UCI
// binding. The real binding talks to hardware or a vendor HAL process; a
// wedged chip must not be allowed to stall ranging operations indefinitely
// (spec.md §5 "Scheduling model").
const nativeCallTimeout = 2 * time.Second

// nativeExecutor runs blocking native UCI calls on a dedicated goroutine,
// separate from the Manager's event-loop goroutine. This mirrors the
// platform's own split between the session-management thread and a second,
// single-thread executor dedicated to serialized native calls (spec.md §5
// "a second single-thread executor for native calls"): the event loop stays
// free to keep draining notifications and client requests while a native
// call is in flight, and native calls are still strictly serialized amongst
// themselves.
//
// Results are delivered back to the event loop as ordinary commands posted
// to cmdCh, so all session-state mutation still happens on the one
// event-loop goroutine; nativeExecutor itself touches no session state.
type nativeExecutor struct {
	workCh chan func(context.Context)
	done   chan struct{}
}

func newNativeExecutor() *nativeExecutor {
	e := &nativeExecutor{
		workCh: make(chan func(context.Context), 64),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *nativeExecutor) run() {
	for fn := range e.workCh {
		ctx, cancel := context.WithTimeout(context.Background(), nativeCallTimeout)
		fn(ctx)
		cancel()
	}
	close(e.done)
}

// submit enqueues fn to run on the executor goroutine with a fresh
// timeout-bounded context. fn is responsible for posting its outcome back
// onto the Manager's command channel; submit never blocks the caller on the
// call's completion.
func (e *nativeExecutor) submit(fn func(context.Context)) {
	e.workCh <- fn
}

// close stops accepting new work. Already-queued calls still run to
// completion; close does not wait for them.
func (e *nativeExecutor) close() {
	close(e.workCh)
}
