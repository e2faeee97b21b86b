package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProcess creates a Process with short timeouts for testing.
func newTestProcess(args ...string) *Process {
	p := New("test", args, testLogger())
	p.SetTimeouts(100*time.Millisecond, 100*time.Millisecond)
	return p
}

type result struct {
	code int
	err  error
}

func runAsync(ctx context.Context, p *Process) <-chan result {
	done := make(chan result, 1)
	go func() {
		code, err := p.Run(ctx)
		done <- result{code, err}
	}()
	return done
}

func waitForExit(t *testing.T, done <-chan result, timeout time.Duration) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to exit")
		return result{}
	}
}

func waitForState(t *testing.T, p *Process, state State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Info().State == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process never reached state %s, at %s", state, p.Info().State)
}

func TestGracefulShutdown(t *testing.T) {
	p := newTestProcess("sh", "-c", "trap 'exit 0' INT TERM; while :; do sleep 0.1; done")
	p.SetTimeouts(500*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)
	waitForState(t, p, StateRunning)
	time.Sleep(50 * time.Millisecond)
	cancel()

	r := waitForExit(t, done, time.Second)
	if r.code != 0 || r.err != nil {
		t.Errorf("expected clean exit, got code=%d err=%v", r.code, r.err)
	}
	if p.Info().State != StateIdle {
		t.Errorf("state = %s, want idle", p.Info().State)
	}
}

func TestForceKillOnTimeout(t *testing.T) {
	p := newTestProcess("sh", "-c", "trap '' INT; sleep 10")
	p.SetTimeouts(50*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)
	waitForState(t, p, StateRunning)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if r := waitForExit(t, done, time.Second); r.code != ExitKilled {
		t.Errorf("expected exit code %d, got %d", ExitKilled, r.code)
	}
}

func TestProcessExitsOnItsOwn(t *testing.T) {
	p := newTestProcess("true")
	r := waitForExit(t, runAsync(context.Background(), p), time.Second)
	if r.code != 0 || r.err != nil {
		t.Errorf("expected clean exit, got code=%d err=%v", r.code, r.err)
	}
}

func TestProcessExitWithError(t *testing.T) {
	p := newTestProcess("sh -c 'exit 42'")
	code, err := p.Run(context.Background())
	if code != 42 {
		t.Errorf("expected exit code 42, got %d", code)
	}
	if err == nil {
		t.Error("expected an error for non-zero exit")
	}
	if info := p.Info(); info.State != StateError || info.LastError == nil {
		t.Errorf("unexpected info after failure: %+v", info)
	}
}

func TestRunWithInvalidCommands(t *testing.T) {
	tests := map[string][]string{
		"unclosed quote": {`echo "unclosed`},
		"empty":          nil,
		"missing binary": {"/nonexistent/command/that/does/not/exist"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			code, err := newTestProcess(args...).Run(context.Background())
			if code != 1 || err == nil {
				t.Errorf("expected code 1 and an error, got code=%d err=%v", code, err)
			}
		})
	}
}

func TestRunTwiceConcurrently(t *testing.T) {
	p := newTestProcess("sleep", "10")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)
	waitForState(t, p, StateRunning)

	if _, err := p.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	waitForExit(t, done, time.Second)
}

func TestOutputHandlerAndParser(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	p := newTestProcess("sh", "-c", `echo "[warning] slow host"; echo plain; echo oops >&2`)
	p.SetOutputHandler(OutputFunc(func(source, line string) {
		mu.Lock()
		lines = append(lines, source+":"+line)
		mu.Unlock()
	}))
	p.SetLogParser(testLogger(), LevelPrefixParser)

	if code, err := p.Run(context.Background()); code != 0 || err != nil {
		t.Fatalf("unexpected exit: code=%d err=%v", code, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %v", lines)
	}
	want := map[string]bool{"stdout:[warning] slow host": true, "stdout:plain": true, "stderr:oops": true}
	for _, l := range lines {
		if !want[l] {
			t.Errorf("unexpected line %q", l)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`echo hello\ world`, []string{"echo", "hello world"}},
		{`sh -c "a b"  'c d'`, []string{"sh", "-c", "a b", "c d"}},
		{`printf ""`, []string{"printf", ""}},
		{"  spaced\targs ", []string{"spaced", "args"}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if err != nil {
			t.Errorf("ParseCommand(%q) error: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseCommand(`echo 'open`); err == nil {
		t.Error("expected error for unclosed quote")
	}
}

func TestLevelPrefixParser(t *testing.T) {
	tests := []struct {
		line, level, msg string
	}{
		{"[ERROR] failed", "error", "failed"},
		{"[debug]x", "debug", "x"},
		{"no prefix", "info", "no prefix"},
		{"[unterminated", "info", "[unterminated"},
	}
	for _, tt := range tests {
		level, msg := LevelPrefixParser(tt.line)
		if level != tt.level || msg != tt.msg {
			t.Errorf("LevelPrefixParser(%q) = (%q, %q), want (%q, %q)", tt.line, level, msg, tt.level, tt.msg)
		}
	}
}
