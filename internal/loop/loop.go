package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrNotRunning is returned by Stop when the loop is not running or is
	// already shutting down.
	ErrNotRunning = errors.New("loop: not running")
	// ErrAlreadyRunning is returned by Run when the loop is already running.
	ErrAlreadyRunning = errors.New("loop: already running")
	// ErrStopped is returned by Run once the loop has terminated. A Loop is
	// single-use.
	ErrStopped = errors.New("loop: already stopped")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Loop is a single-goroutine cooperative event loop.
type Loop struct {
	logger *slog.Logger

	mu       sync.Mutex
	queue    []func()
	state    state
	triggers []func() *Future

	wake     chan struct{}
	halt     chan struct{}
	haltOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a loop. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		halt:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the loop context. It is cancelled when Run returns, which
// aborts any work still running through Go.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Running reports whether Run is active and no stop has been requested.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// Call schedules fn to run on the loop goroutine. It is safe to call from any
// goroutine and never blocks. Callbacks run in the order they were queued.
func (l *Loop) Call(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs fn on its own goroutine and returns a future completed on the loop
// with fn's result.
func (l *Loop) Go(fn func(ctx context.Context) error) *Future {
	f := NewFuture()
	go func() {
		err := fn(l.ctx)
		l.Call(func() { f.Complete(err) })
	}()
	return f
}

// AddShutdownTrigger registers fn to run on the loop when a stop is requested.
// Run returns only after every future returned by the triggers has resolved.
func (l *Loop) AddShutdownTrigger(fn func() *Future) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggers = append(l.triggers, fn)
}

// Run executes queued callbacks on the calling goroutine until the loop is
// stopped and its shutdown triggers have completed.
func (l *Loop) Run() error {
	l.mu.Lock()
	switch l.state {
	case stateRunning, stateStopping:
		l.mu.Unlock()
		return ErrAlreadyRunning
	case stateStopped:
		l.mu.Unlock()
		return ErrStopped
	}
	l.state = stateRunning
	l.mu.Unlock()

	l.logger.Debug("Loop started")
	defer func() {
		l.mu.Lock()
		l.state = stateStopped
		l.mu.Unlock()
		l.cancel()
		l.logger.Debug("Loop stopped")
	}()

	for {
		// A halt wins over queued work.
		select {
		case <-l.halt:
			return nil
		default:
		}
		select {
		case <-l.wake:
			l.drain()
		case <-l.halt:
			return nil
		}
	}
}

// Stop requests the loop to halt. Shutdown triggers run first; Run returns
// once they complete. Stop returns ErrNotRunning when the loop is not running
// or a stop is already in progress.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.state = stateStopping
	triggers := make([]func() *Future, len(l.triggers))
	copy(triggers, l.triggers)
	l.mu.Unlock()

	l.Call(func() { l.shutdown(triggers) })
	return nil
}

// Halt stops the loop without waiting for shutdown triggers, whether it is
// running or already stopping. Callbacks still queued never run and Run
// returns as soon as the loop goroutine notices. A loop halted before Run
// returns from Run at once. Halt is safe from any goroutine and may be
// called more than once.
func (l *Loop) Halt() {
	l.mu.Lock()
	if l.state == stateRunning {
		l.state = stateStopping
	}
	l.mu.Unlock()
	l.closeHalt()
}

func (l *Loop) closeHalt() {
	l.haltOnce.Do(func() { close(l.halt) })
}

// shutdown runs on the loop.
func (l *Loop) shutdown(triggers []func() *Future) {
	l.logger.Debug("Running shutdown triggers", "count", len(triggers))
	pending := make([]*Future, 0, len(triggers))
	for _, trigger := range triggers {
		if f := trigger(); f != nil {
			pending = append(pending, f)
		}
	}
	l.OnComplete(l.Join(pending...), func(error) {
		l.closeHalt()
	})
}

// drain runs queued callbacks until the queue is empty.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		select {
		case <-l.halt:
			return
		default:
		}
	}
}
