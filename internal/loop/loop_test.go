package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runAsync runs the loop in a goroutine and returns Run's result channel.
func runAsync(l *Loop) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Run()
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for loop to stop")
		return nil
	}
}

func waitFuture(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return err
}

// stopLater queues a stop and waits for Run to return.
func stopLater(t *testing.T, l *Loop, done <-chan error) {
	t.Helper()
	l.Call(func() { _ = l.Stop() })
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestCallRunsInOrder(t *testing.T) {
	l := New(testLogger())

	var got []int
	for i := range 5 {
		l.Call(func() { got = append(got, i) })
	}
	l.Call(func() { _ = l.Stop() })

	if err := waitRun(t, runAsync(l)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := []int{0, 1, 2, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("callbacks ran as %v, want %v", got, want)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	l := New(testLogger())
	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() before Run error = %v, want ErrNotRunning", err)
	}

	var first, second error
	l.Call(func() {
		first = l.Stop()
		second = l.Stop()
	})
	if err := waitRun(t, runAsync(l)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first != nil {
		t.Errorf("first Stop() error = %v", first)
	}
	if !errors.Is(second, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", second)
	}

	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after Run error = %v, want ErrNotRunning", err)
	}
	if err := l.Run(); !errors.Is(err, ErrStopped) {
		t.Errorf("Run() after stop error = %v, want ErrStopped", err)
	}
}

func TestRunTwice(t *testing.T) {
	l := New(testLogger())
	started := make(chan struct{})
	l.Call(func() { close(started) })
	done := runAsync(l)
	<-started

	if err := l.Run(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
	stopLater(t, l, done)
}

func TestShutdownTriggerDelaysExit(t *testing.T) {
	l := New(testLogger())
	release := NewFuture()
	triggered := make(chan struct{})

	l.AddShutdownTrigger(func() *Future {
		close(triggered)
		return release
	})

	done := runAsync(l)
	l.Call(func() { _ = l.Stop() })
	<-triggered

	select {
	case <-done:
		t.Fatal("loop exited before shutdown trigger completed")
	case <-time.After(50 * time.Millisecond):
	}

	l.Call(func() { release.Complete(errors.New("ignored")) })
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestHaltSkipsPendingTriggers(t *testing.T) {
	l := New(testLogger())
	triggered := make(chan struct{})
	l.AddShutdownTrigger(func() *Future {
		close(triggered)
		return NewFuture()
	})

	done := runAsync(l)
	l.Call(func() { _ = l.Stop() })
	<-triggered

	l.Halt()
	l.Halt()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := l.Context().Err(); err == nil {
		t.Error("loop context not cancelled after halt")
	}
}

func TestHaltWhileRunning(t *testing.T) {
	l := New(testLogger())
	started := make(chan struct{})
	l.Call(func() { close(started) })
	done := runAsync(l)
	<-started

	l.Halt()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after halt error = %v, want ErrNotRunning", err)
	}
}

func TestHaltBeforeRun(t *testing.T) {
	l := New(testLogger())
	ran := false
	l.Halt()
	l.Call(func() { ran = true })

	if err := waitRun(t, runAsync(l)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ran {
		t.Error("callback queued after halt ran")
	}
}

func TestGoCompletesOnLoop(t *testing.T) {
	l := New(testLogger())
	boom := errors.New("boom")

	var outcome error
	l.Call(func() {
		f := l.Go(func(context.Context) error { return boom })
		l.OnComplete(f, func(err error) {
			outcome = err
			_ = l.Stop()
		})
	})

	if err := waitRun(t, runAsync(l)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(outcome, boom) {
		t.Errorf("outcome = %v, want %v", outcome, boom)
	}
}

func TestContextCancelledAfterRun(t *testing.T) {
	l := New(testLogger())
	l.Call(func() { _ = l.Stop() })
	if err := waitRun(t, runAsync(l)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-l.Context().Done():
	default:
		t.Fatal("expected loop context to be cancelled")
	}
}

func TestFutureCompleteTwicePanics(t *testing.T) {
	f := Completed(nil)
	defer func() {
		if recover() == nil {
			t.Error("second Complete() did not panic")
		}
	}()
	f.Complete(nil)
}

func TestJoinAlreadyResolved(t *testing.T) {
	l := New(testLogger())

	if !l.Join().Resolved() {
		t.Error("empty join should be resolved")
	}
	if !l.Join(Completed(nil), Completed(errors.New("x"))).Resolved() {
		t.Error("join of completed futures should be resolved")
	}
}

func TestJoinWaitsForAll(t *testing.T) {
	l := New(testLogger())
	done := runAsync(l)
	defer stopLater(t, l, done)

	a, b, c := NewFuture(), NewFuture(), NewFuture()
	joined := l.Join(a, b, c)

	// Complete out of order, one with an error.
	l.Call(func() { c.Complete(nil) })
	l.Call(func() { a.Complete(errors.New("stop failed")) })

	select {
	case <-joined.Done():
		t.Fatal("join resolved before every input")
	case <-time.After(50 * time.Millisecond):
	}

	l.Call(func() { b.Complete(nil) })
	if err := waitFuture(t, joined); err != nil {
		t.Fatalf("join error = %v, failures are not propagated", err)
	}

	errs := JoinErrors([]*Future{a, b, c})
	if errs[0] == nil || errs[1] != nil || errs[2] != nil {
		t.Errorf("JoinErrors() = %v, want only the first to fail", errs)
	}
}

func TestThenShortCircuits(t *testing.T) {
	l := New(testLogger())
	done := runAsync(l)
	defer stopLater(t, l, done)

	boom := errors.New("open failed")
	called := make(chan struct{}, 1)
	f := l.Then(Completed(boom), func() *Future {
		called <- struct{}{}
		return Completed(nil)
	})
	if err := waitFuture(t, f); !errors.Is(err, boom) {
		t.Errorf("Then() error = %v, want %v", err, boom)
	}
	if len(called) != 0 {
		t.Error("continuation ran after a failure")
	}

	g := l.Then(Completed(nil), func() *Future { return Completed(nil) })
	if err := waitFuture(t, g); err != nil {
		t.Errorf("Then() error = %v", err)
	}
}

func TestHandleMapsOutcome(t *testing.T) {
	l := New(testLogger())
	done := runAsync(l)
	defer stopLater(t, l, done)

	wrapped := errors.New("wrapped")
	f := l.Handle(Completed(errors.New("raw")), func(err error) error {
		if err != nil {
			return wrapped
		}
		return nil
	})
	if err := waitFuture(t, f); !errors.Is(err, wrapped) {
		t.Errorf("Handle() error = %v, want %v", err, wrapped)
	}
}
