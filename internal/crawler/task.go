package crawler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/engine"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/loop"
	"github.com/smazurov/crawlnode/internal/metrics"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

// EngineFactory builds the engine named kind. engine.New is the default.
type EngineFactory func(kind string, opts engine.Options) (engine.Engine, error)

type taskConfig struct {
	ID        string
	Spec      spider.Spec
	Settings  *config.Settings
	Stats     stats.Collector
	Bus       *events.Bus
	Dialer    engine.Dialer
	Logger    *slog.Logger
	NewEngine EngineFactory
}

// Task runs one crawl: one spider instance driven by one engine.
//
// All methods must be called on the loop goroutine, or before the loop runs.
type Task struct {
	id        string
	spec      spider.Spec
	settings  *config.Settings
	stats     stats.Collector
	bus       *events.Bus
	dialer    engine.Dialer
	logger    *slog.Logger
	newEngine EngineFactory
	loop      *loop.Loop

	running   bool
	finished  bool
	counted   bool
	startedAt time.Time
	spider    spider.Spider
	engine    engine.Engine
}

func newTask(l *loop.Loop, cfg taskConfig) *Task {
	if cfg.NewEngine == nil {
		cfg.NewEngine = engine.New
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.Dummy{}
	}
	if cfg.Bus == nil {
		cfg.Bus = events.New()
	}
	return &Task{
		id:        cfg.ID,
		spec:      cfg.Spec,
		settings:  cfg.Settings,
		stats:     cfg.Stats,
		bus:       cfg.Bus,
		dialer:    cfg.Dialer,
		logger:    cfg.Logger,
		newEngine: cfg.NewEngine,
		loop:      l,
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// SpiderName returns the name of the spider the task runs.
func (t *Task) SpiderName() string { return t.spec.Name }

// Running reports whether a crawl is in progress.
func (t *Task) Running() bool { return t.running }

// StartedAt returns when Start was last called.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// Settings returns the frozen settings snapshot of the task.
func (t *Task) Settings() *config.Settings { return t.settings }

// Bus returns the task event bus.
func (t *Task) Bus() *events.Bus { return t.bus }

// Stats returns the task stats collector.
func (t *Task) Stats() stats.Collector { return t.stats }

// Start builds the spider and the engine, then opens the spider on the
// engine and starts it. The returned future resolves when the engine stops,
// or with a *Error when any step fails. Starting a running task panics.
func (t *Task) Start(args spider.Args) *loop.Future {
	if t.running {
		panic("crawler: crawling already taking place")
	}
	t.running = true
	t.finished = false
	t.counted = false
	t.startedAt = time.Now()

	sp, err := t.spec.New(args)
	if err != nil {
		return t.fail(newError(ErrCodeSpiderCreate, t.spec.Name, err))
	}
	t.spider = sp

	kind := t.settings.GetString(config.KeyEngine)
	eng, err := t.newEngine(kind, engine.Options{
		TaskID:   t.id,
		Settings: t.settings,
		Stats:    t.stats,
		Dialer:   t.dialer,
		Bus:      t.bus,
		Logger:   t.logger,
		OnIdle:   t.onIdle,
	})
	if err != nil {
		return t.fail(newError(ErrCodeEngineCreate, kind, err))
	}
	t.engine = eng

	requests := sp.StartRequests()
	t.logger.Info("Starting crawl", "engine", kind)

	opened := t.loop.Handle(t.loop.Go(func(ctx context.Context) error {
		return eng.Open(ctx, sp, requests)
	}), func(err error) error {
		if err != nil {
			return newError(ErrCodeSpiderOpen, sp.Name(), err)
		}
		t.counted = true
		metrics.TaskStarted(sp.Name())
		t.bus.Publish(events.EngineStartedEvent{TaskID: t.id, Spider: sp.Name(), Timestamp: events.Now()})
		return nil
	})

	started := t.loop.Then(opened, func() *loop.Future {
		return t.loop.Handle(t.loop.Go(eng.Start), func(err error) error {
			if err != nil {
				return newError(ErrCodeEngineStart, sp.Name(), err)
			}
			return nil
		})
	})

	return t.loop.Handle(started, func(err error) error {
		if t.counted {
			t.counted = false
			metrics.TaskStopped(t.result(err))
		}
		if err != nil {
			t.rollback(err)
			return err
		}
		t.logger.Info("Crawl ended", "finished", t.finished)
		return nil
	})
}

// Stop asks the engine to stop. Stopping a task that is not running returns
// a resolved future and does nothing else.
func (t *Task) Stop() *loop.Future {
	if !t.running {
		return loop.Completed(nil)
	}
	t.running = false

	reason := engine.ReasonShutdown
	if t.finished {
		reason = engine.ReasonFinished
	}
	eng := t.engine
	t.logger.Info("Stopping crawl", "reason", reason)

	return t.loop.Handle(t.loop.Go(eng.Stop), func(err error) error {
		if err != nil {
			t.logger.Error("Engine failed to stop", "error", err)
			return err
		}
		t.bus.Publish(events.EngineStoppedEvent{
			TaskID:    t.id,
			Spider:    t.spec.Name,
			Reason:    reason,
			Timestamp: events.Now(),
		})
		return nil
	})
}

// onIdle runs on an engine goroutine.
func (t *Task) onIdle() {
	t.loop.Call(func() {
		if !t.running {
			return
		}
		t.finished = true
		t.Stop()
	})
}

func (t *Task) fail(err *Error) *loop.Future {
	t.rollback(err)
	return loop.Completed(err)
}

func (t *Task) rollback(err error) {
	t.running = false
	t.logger.Error("Crawl failed", "error", err)

	stage := ""
	var cerr *Error
	if errors.As(err, &cerr) {
		stage = cerr.Code
	}
	t.bus.Publish(events.SpiderErrorEvent{
		TaskID:    t.id,
		Spider:    t.spec.Name,
		Stage:     stage,
		Error:     err.Error(),
		Timestamp: events.Now(),
	})
}

func (t *Task) result(err error) string {
	switch {
	case err != nil:
		return metrics.ResultFailed
	case t.finished:
		return metrics.ResultFinished
	default:
		return metrics.ResultStopped
	}
}
