package loop

// OnComplete schedules fn on the loop once f resolves. If f is already
// resolved fn is queued right away.
func (l *Loop) OnComplete(f *Future, fn func(err error)) {
	if f.Resolved() {
		l.Call(func() { fn(f.Err()) })
		return
	}
	go func() {
		<-f.Done()
		l.Call(func() { fn(f.Err()) })
	}()
}

// Handle returns a future resolved with fn's result once f resolves. fn runs
// on the loop and sees f's outcome, success or failure.
func (l *Loop) Handle(f *Future, fn func(err error) error) *Future {
	out := NewFuture()
	l.OnComplete(f, func(err error) {
		out.Complete(fn(err))
	})
	return out
}

// Then runs next on the loop after f succeeds and resolves with next's
// outcome. A failing f short-circuits: next is not called.
func (l *Loop) Then(f *Future, next func() *Future) *Future {
	out := NewFuture()
	l.OnComplete(f, func(err error) {
		if err != nil {
			out.Complete(err)
			return
		}
		l.OnComplete(next(), out.Complete)
	})
	return out
}

// Join returns a future that resolves, always with a nil error, once every
// future in fs has resolved. Individual outcomes are left on the inputs; see
// JoinErrors. When every input is already resolved the returned future is
// resolved too.
func (l *Loop) Join(fs ...*Future) *Future {
	if allResolved(fs) {
		return Completed(nil)
	}

	out := NewFuture()
	remaining := len(fs)
	for _, f := range fs {
		l.OnComplete(f, func(error) {
			remaining--
			if remaining == 0 {
				out.Complete(nil)
			}
		})
	}
	return out
}
