package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/engine"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/logging"
	"github.com/smazurov/crawlnode/internal/loop"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

// LogSinkFactory attaches a per-task log sink.
type LogSinkFactory func(taskID, spiderName, format string) *logging.TaskSink

// Options configures a Registry. Only Settings is required.
type Options struct {
	Settings *config.Settings
	// Loader resolves spider names. Defaults to spider.NewLoader(Settings).
	Loader spider.Loader
	// NewEngine defaults to engine.New.
	NewEngine EngineFactory
	// NewLogSink defaults to logging.NewTaskSink.
	NewLogSink LogSinkFactory
	// Registerer receives prometheus stats. Nil uses the default registerer.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// TaskInfo is a status snapshot of one task.
type TaskInfo struct {
	ID        string         `json:"id"`
	Spider    string         `json:"spider"`
	Running   bool           `json:"running"`
	Installed bool           `json:"installed"`
	StartedAt time.Time      `json:"started_at"`
	Stats     map[string]any `json:"stats"`
}

type entry struct {
	task     *Task
	sink     *logging.TaskSink
	unsub    func()
	released bool
}

// Registry creates crawl tasks and tracks them until they stop.
//
// Methods must be called on the loop goroutine, or before the loop runs.
type Registry struct {
	loop       *loop.Loop
	settings   *config.Settings
	loader     spider.Loader
	newEngine  EngineFactory
	newLogSink LogSinkFactory
	registerer prometheus.Registerer
	logger     *slog.Logger
	dialer     *resolverDialer

	entries   []*entry
	pending   []*loop.Future
	installed *Task
}

// NewRegistry creates a registry bound to l. The settings are copied, so
// later changes to opts.Settings do not reach the registry.
func NewRegistry(l *loop.Loop, opts Options) (*Registry, error) {
	if opts.Settings == nil {
		opts.Settings = config.NewSettings(nil)
	}
	settings := opts.Settings.Copy()

	if opts.Loader == nil {
		loader, err := spider.NewLoader(settings)
		if err != nil {
			return nil, fmt.Errorf("crawler: spider loader: %w", err)
		}
		opts.Loader = loader
	}
	if opts.NewEngine == nil {
		opts.NewEngine = engine.New
	}
	if opts.NewLogSink == nil {
		opts.NewLogSink = logging.NewTaskSink
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("crawler")
	}

	return &Registry{
		loop:       l,
		settings:   settings,
		loader:     opts.Loader,
		newEngine:  opts.NewEngine,
		newLogSink: opts.NewLogSink,
		registerer: opts.Registerer,
		logger:     opts.Logger,
		dialer:     &resolverDialer{},
	}, nil
}

// Settings returns the registry settings.
func (r *Registry) Settings() *config.Settings {
	return r.settings
}

// Loader returns the spider loader.
func (r *Registry) Loader() spider.Loader {
	return r.loader
}

// SetResolver routes engine connections through d, including engines that
// were created before the call. A nil d restores the plain dialer.
func (r *Registry) SetResolver(d engine.Dialer) {
	r.dialer.set(d)
}

// Submit creates a task for ref, installs it and starts it. Resolution
// errors are returned directly; setup errors arrive through the future.
// Submitting while another task is installed panics.
func (r *Registry) Submit(ref spider.Ref, args spider.Args) (*loop.Future, error) {
	spec, err := spider.Resolve(ref, r.loader)
	if err != nil {
		return nil, fmt.Errorf("crawler: resolve %s: %w", ref, err)
	}

	collector, err := stats.New(r.settings.GetString(config.KeyStatsClass), r.registerer)
	if err != nil {
		return nil, fmt.Errorf("crawler: stats: %w", err)
	}

	id := uuid.NewString()
	sink := r.newLogSink(id, spec.Name, r.settings.GetString(config.KeyLogFormatter))
	task := newTask(r.loop, taskConfig{
		ID:        id,
		Spec:      spec,
		Settings:  r.settings.Freeze(),
		Stats:     collector,
		Bus:       events.New(),
		Dialer:    r.dialer,
		Logger:    sink.Logger(),
		NewEngine: r.newEngine,
	})

	r.install(task)
	e := &entry{task: task, sink: sink}
	r.entries = append(r.entries, e)
	e.unsub = task.Bus().Subscribe(func(events.EngineStoppedEvent) {
		r.loop.Call(func() { r.release(e) })
	})

	r.logger.Info("Crawl submitted", "task_id", id, "spider", spec.Name)
	f := task.Start(args)
	r.pending = append(r.pending, f)
	r.loop.OnComplete(f, func(err error) {
		if err != nil {
			r.release(e)
		}
	})
	return f, nil
}

// StopAll stops every task and resolves once all stops have completed,
// whether or not they succeeded.
func (r *Registry) StopAll() *loop.Future {
	stops := make([]*loop.Future, 0, len(r.entries))
	for _, e := range r.entries {
		task := e.task
		f := task.Stop()
		r.loop.OnComplete(f, func(err error) {
			if err != nil {
				r.logger.Error("Failed to stop crawl", "task_id", task.ID(), "spider", task.SpiderName(), "error", err)
			}
		})
		stops = append(stops, f)
	}
	return r.loop.Join(stops...)
}

// Done resolves once every task submitted so far has finished. Tasks
// submitted after the call are not included.
func (r *Registry) Done() *loop.Future {
	return r.loop.Join(r.pending...)
}

// Tasks returns a snapshot of every task, in submission order.
func (r *Registry) Tasks() []TaskInfo {
	out := make([]TaskInfo, 0, len(r.entries))
	for _, e := range r.entries {
		t := e.task
		out = append(out, TaskInfo{
			ID:        t.ID(),
			Spider:    t.SpiderName(),
			Running:   t.Running(),
			Installed: r.installed == t,
			StartedAt: t.StartedAt(),
			Stats:     t.Stats().Snapshot(),
		})
	}
	return out
}

// Installed returns the installed task, or nil.
func (r *Registry) Installed() *Task {
	return r.installed
}

// LogLines returns the recorded log lines of a task.
func (r *Registry) LogLines(taskID string) ([]string, bool) {
	for _, e := range r.entries {
		if e.task.ID() == taskID {
			return e.sink.Lines(), true
		}
	}
	return nil, false
}

func (r *Registry) install(t *Task) {
	if r.installed != nil {
		panic("crawler: crawler already installed")
	}
	r.installed = t
}

func (r *Registry) uninstall(t *Task) {
	if r.installed == nil || r.installed != t {
		panic("crawler: crawler not installed")
	}
	r.installed = nil
}

// release uninstalls the task of e and detaches its log sink, once.
func (r *Registry) release(e *entry) {
	if e.released {
		return
	}
	e.released = true
	r.uninstall(e.task)
	e.sink.Stop()
	if e.unsub != nil {
		e.unsub()
	}
	r.logger.Debug("Crawl released", "task_id", e.task.ID())
}

// resolverDialer forwards to the resolver set on the registry.
type resolverDialer struct {
	current  atomic.Pointer[engine.Dialer]
	fallback net.Dialer
}

func (d *resolverDialer) set(next engine.Dialer) {
	if next == nil {
		d.current.Store(nil)
		return
	}
	d.current.Store(&next)
}

func (d *resolverDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if p := d.current.Load(); p != nil {
		return (*p).DialContext(ctx, network, addr)
	}
	return d.fallback.DialContext(ctx, network, addr)
}
