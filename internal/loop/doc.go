// Package loop provides the cooperative event loop that crawl tasks share.
//
// A Loop executes every queued callback on a single goroutine, the one that
// calls Run. Anything that blocks (network I/O, subprocesses) runs on its own
// goroutine through Go, and its outcome is delivered back onto the loop as a
// completed Future. State owned by the loop is therefore only ever mutated
// from one goroutine and needs no locking.
//
// Code running outside the loop (signal handlers, event bus subscribers,
// timers) must hand work over with Call:
//
//	l := loop.New(logger)
//	go func() {
//		<-sigCh
//		l.Call(func() { registry.StopAll() })
//	}()
//	if err := l.Run(); err != nil {
//		return err
//	}
//
// Futures are the completion handles returned by asynchronous operations.
// They can be awaited from any goroutine (Done, Wait) and chained on the loop
// (OnComplete, Then, Handle, Join).
package loop
