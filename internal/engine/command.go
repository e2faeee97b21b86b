package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/process"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

// CommandEngine delegates the crawl to an external program. The spider must
// implement spider.Commander; start request URLs are appended to its command.
// Each stdout line counts as one scraped item.
type CommandEngine struct {
	opts Options

	mu      sync.Mutex
	proc    *process.Process
	cancel  context.CancelFunc
	stopped bool
	started bool
	done    chan struct{}
}

// NewCommand creates a command engine from opts.
func NewCommand(opts Options) *CommandEngine {
	opts.normalize()
	return &CommandEngine{opts: opts, done: make(chan struct{})}
}

// Open implements Engine.
func (e *CommandEngine) Open(_ context.Context, sp spider.Spider, requests iter.Seq[*spider.Request]) error {
	cmd, ok := sp.(spider.Commander)
	if !ok || len(cmd.Command()) == 0 {
		return fmt.Errorf("engine: spider %s has no command", sp.Name())
	}

	args := append([]string(nil), cmd.Command()...)
	if requests != nil {
		for req := range requests {
			args = append(args, req.URL)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		return errors.New("engine: spider already open")
	}
	e.proc = process.New(e.opts.TaskID, args, e.opts.Logger)
	e.proc.SetLogParser(e.opts.Logger.With("source", "command"), process.LevelPrefixParser)
	e.proc.SetOutputHandler(process.OutputFunc(func(source, _ string) {
		if source == "stdout" {
			e.opts.Stats.Inc(stats.KeyItemCount, 1)
		}
	}))

	e.opts.Stats.Open(sp.Name())
	e.opts.Bus.Publish(events.SpiderOpenedEvent{TaskID: e.opts.TaskID, Spider: sp.Name(), Timestamp: events.Now()})
	return nil
}

// Start implements Engine. A command that exits by itself with status zero
// finishes the crawl and fires OnIdle.
func (e *CommandEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.proc == nil:
		e.mu.Unlock()
		return errors.New("engine: spider not opened")
	case e.started:
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	if e.stopped {
		e.mu.Unlock()
		close(e.done)
		e.opts.Stats.Close(ReasonShutdown)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	proc := e.proc
	e.mu.Unlock()
	defer close(e.done)
	defer cancel()

	code, err := proc.Run(runCtx)

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()

	switch {
	case stopped || ctx.Err() != nil:
		e.opts.Stats.Close(ReasonShutdown)
		return nil
	case err != nil:
		e.opts.Stats.Close(ReasonFailed)
		return err
	default:
		e.opts.Logger.Info("Command finished", "exit_code", code)
		e.opts.Stats.Close(ReasonFinished)
		e.opts.OnIdle()
		return nil
	}
}

// Stop implements Engine. The command gets SIGINT and is killed if it
// ignores it.
func (e *CommandEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process exposes the underlying process for status output.
func (e *CommandEngine) Process() *process.Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}
