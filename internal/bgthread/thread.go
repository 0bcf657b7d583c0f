// Package bgthread binds a function to a detached goroutine with a
// cooperative stop signal and a join-on-destruction wait, the Go
// realization of spec.md §5's "background thread wrapper" (originally
// a bound (object, method) pair handed to a detached pthread).
package bgthread

import "context"

// Func is the body run on the background goroutine. It must poll
// ctx.Done() (directly, or via any blocking call that accepts ctx) to
// honor a cooperative stop request.
type Func func(ctx context.Context)

// Thread is a running background goroutine plus its stop/join handles.
type Thread struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches fn on a new goroutine and returns a handle to it.
func Start(fn Func) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	th := &Thread{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(th.done)
		fn(ctx)
	}()
	return th
}

// Stop requests cooperative shutdown without waiting for it to take
// effect; fn observes this via its ctx.
func (t *Thread) Stop() { t.cancel() }

// Join blocks until fn has returned.
func (t *Thread) Join() { <-t.done }

// StopAndJoin requests shutdown and waits for fn to return, the
// "join-on-destruction" pattern the background thread wrapper must
// provide so a managed dtable's Close never races its own maintenance
// goroutine.
func (t *Thread) StopAndJoin() {
	t.cancel()
	<-t.done
}
