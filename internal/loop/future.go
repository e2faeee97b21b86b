package loop

import (
	"context"
	"sync"
)

// Future is a completion handle for an asynchronous operation.
// It completes exactly once, with a nil or non-nil error.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	err      error
	resolved bool
}

// NewFuture returns a pending future. The owner completes it with Complete.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that is already resolved with err.
func Completed(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Complete resolves the future. Completing a future twice panics.
func (f *Future) Complete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		panic("loop: future completed twice")
	}
	f.err = err
	f.resolved = true
	close(f.done)
}

// Done returns a channel that is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the future has completed.
func (f *Future) Resolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Err returns the outcome of a resolved future, or nil while it is pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future resolves or ctx is done.
// Never call Wait from the loop goroutine: the loop would deadlock on itself.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinErrors returns the individual outcomes of fs, in order.
// Pending futures report nil.
func JoinErrors(fs []*Future) []error {
	errs := make([]error, len(fs))
	for i, f := range fs {
		errs[i] = f.Err()
	}
	return errs
}

func allResolved(fs []*Future) bool {
	for _, f := range fs {
		if !f.Resolved() {
			return false
		}
	}
	return true
}
