package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/engine"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/loop"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

const waitTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type fakeSpider struct {
	name string
}

func (s *fakeSpider) Name() string { return s.name }

func (s *fakeSpider) StartRequests() iter.Seq[*spider.Request] {
	return func(yield func(*spider.Request) bool) {
		yield(spider.NewRequest("https://example.com/"))
	}
}

func (s *fakeSpider) Parse(context.Context, *spider.Response) ([]*spider.Request, error) {
	return nil, nil
}

func fakeSpec(name string) spider.Spec {
	return spider.Spec{Name: name, New: func(spider.Args) (spider.Spider, error) {
		return &fakeSpider{name: name}, nil
	}}
}

// fakeEngine runs until stopped, finished or its context is cancelled.
type fakeEngine struct {
	opts     engine.Options
	openErr  error
	startErr error
	stopErr  error
	// stopGate, when set, holds Stop until closed.
	stopGate chan struct{}

	opened    atomic.Bool
	stopCalls atomic.Int32
	finished  chan struct{}
	once      sync.Once
}

func (e *fakeEngine) Open(_ context.Context, _ spider.Spider, requests iter.Seq[*spider.Request]) error {
	for range requests {
	}
	e.opened.Store(true)
	return e.openErr
}

func (e *fakeEngine) Start(ctx context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	select {
	case <-e.finished:
	case <-ctx.Done():
	}
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.stopCalls.Add(1)
	if e.stopGate != nil {
		select {
		case <-e.stopGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.stopErr != nil {
		return e.stopErr
	}
	e.once.Do(func() { close(e.finished) })
	return nil
}

// idle reports that the engine ran out of work.
func (e *fakeEngine) idle() {
	e.opts.OnIdle()
}

// engines builds fakeEngines and remembers them in creation order.
type engines struct {
	setup func(i int, e *fakeEngine)

	mu   sync.Mutex
	list []*fakeEngine
}

func (r *engines) factory(_ string, opts engine.Options) (engine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &fakeEngine{opts: opts, finished: make(chan struct{})}
	if r.setup != nil {
		r.setup(len(r.list), e)
	}
	r.list = append(r.list, e)
	return e, nil
}

func (r *engines) get(i int) *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list[i]
}

func (r *engines) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

func newTestTask(l *loop.Loop, spec spider.Spec, newEngine EngineFactory) *Task {
	return newTask(l, taskConfig{
		ID:        "task-1",
		Spec:      spec,
		Settings:  config.NewSettings(nil).Freeze(),
		Stats:     stats.NewMemory(),
		Bus:       events.New(),
		Logger:    discardLogger(),
		NewEngine: newEngine,
	})
}

func newTestRegistry(t *testing.T, l *loop.Loop, newEngine EngineFactory, settings map[string]any) *Registry {
	t.Helper()
	loader := fakeLoader(t, "fake", "other")

	r, err := NewRegistry(l, Options{
		Settings:  config.NewSettings(settings),
		Loader:    loader,
		NewEngine: newEngine,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func fakeLoader(t *testing.T, names ...string) *spider.StaticLoader {
	t.Helper()
	loader := spider.NewStaticLoader()
	for _, name := range names {
		if err := loader.Register(fakeSpec(name)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	return loader
}

// runLoop runs l in the background until the test ends.
func runLoop(t *testing.T, l *loop.Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	eventually(t, "loop to run", l.Running)
	t.Cleanup(func() {
		_ = l.Stop()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("loop did not stop")
		}
	})
}

// onLoop runs fn on the loop and waits for it. A panic in fn is recovered
// and returned.
func onLoop(t *testing.T, l *loop.Loop, fn func()) (recovered any) {
	t.Helper()
	done := make(chan struct{})
	l.Call(func() {
		defer close(done)
		defer func() { recovered = recover() }()
		fn()
	})
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("loop callback timed out")
	}
	return recovered
}

func waitFuture(t *testing.T, f *loop.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return err
}

// eventually polls cond until it holds, failing the test after waitTimeout.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// never fails the test if cond holds at any point during d.
func never(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Errorf("unexpected: %s", what)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// panicValue runs fn and returns what it panicked with, or nil.
func panicValue(fn func()) (recovered any) {
	defer func() { recovered = recover() }()
	fn()
	return nil
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

type fakeSignals struct {
	mu      sync.Mutex
	ch      chan<- os.Signal
	sigs    []os.Signal
	ignored []os.Signal
	stopped bool
}

func (f *fakeSignals) Notify(c chan<- os.Signal, sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = c
	f.sigs = sig
}

func (f *fakeSignals) Stop(chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeSignals) Ignore(sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored = append(f.ignored, sig...)
}

func (f *fakeSignals) send(sig os.Signal) {
	f.mu.Lock()
	c := f.ch
	f.mu.Unlock()
	c <- sig
}

func (f *fakeSignals) ignoredSignals() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]os.Signal(nil), f.ignored...)
}

type fakeNotifier struct {
	ready    atomic.Int32
	stopping atomic.Int32

	mu     sync.Mutex
	status []string
}

func (n *fakeNotifier) Ready() error {
	n.ready.Add(1)
	return nil
}

func (n *fakeNotifier) Stopping() error {
	n.stopping.Add(1)
	return nil
}

func (n *fakeNotifier) Status(format string, args ...any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = append(n.status, fmt.Sprintf(format, args...))
	return nil
}

func (n *fakeNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.status...)
}
