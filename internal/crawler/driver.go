package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/dnscache"
	"github.com/smazurov/crawlnode/internal/logging"
	"github.com/smazurov/crawlnode/internal/loop"
	"github.com/smazurov/crawlnode/internal/metrics"
	"github.com/smazurov/crawlnode/internal/metrics/exporters"
	"github.com/smazurov/crawlnode/internal/systemd"
)

// Escalation is the shutdown stage of a Driver. It only moves forward.
type Escalation int32

// Escalation stages.
const (
	Normal Escalation = iota
	GracefulRequested
	ForceRequested
)

func (e Escalation) String() string {
	switch e {
	case Normal:
		return "normal"
	case GracefulRequested:
		return "graceful_requested"
	case ForceRequested:
		return "force_requested"
	default:
		return fmt.Sprintf("escalation(%d)", int32(e))
	}
}

// SignalNotifier is the subset of os/signal used by the driver.
type SignalNotifier interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
	Ignore(sig ...os.Signal)
}

type osSignals struct{}

func (osSignals) Notify(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) }
func (osSignals) Stop(c chan<- os.Signal)                     { signal.Stop(c) }
func (osSignals) Ignore(sig ...os.Signal)                     { signal.Ignore(sig...) }

// ServiceNotifier reports lifecycle changes to a service manager.
// *systemd.Notifier satisfies it.
type ServiceNotifier interface {
	Ready() error
	Stopping() error
	Status(format string, args ...any) error
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	// Signals defaults to os/signal.
	Signals SignalNotifier
	// Notifier defaults to systemd.NewNotifier().
	Notifier ServiceNotifier
	Logger   *slog.Logger
}

// Driver runs the loop for a registry and turns termination signals into a
// graceful stop of every task, or a forced stop of the loop on the second
// signal.
type Driver struct {
	registry *Registry
	loop     *loop.Loop
	settings *config.Settings
	signals  SignalNotifier
	notifier ServiceNotifier
	logger   *slog.Logger

	sigCh      chan os.Signal
	quit       chan struct{}
	closeOnce  sync.Once
	handler    atomic.Pointer[func(os.Signal)]
	escalation atomic.Int32

	timerMu    sync.Mutex
	graceTimer *time.Timer

	// Owned by the loop goroutine.
	stopping bool

	resolver *dnscache.Cache
	metrics  *exporters.Server
}

// NewDriver wraps registry and starts listening for termination signals.
// Close releases the signal handlers.
func NewDriver(registry *Registry, opts DriverOptions) *Driver {
	if opts.Signals == nil {
		opts.Signals = osSignals{}
	}
	if opts.Notifier == nil {
		opts.Notifier = systemd.NewNotifier()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("shutdown")
	}

	d := &Driver{
		registry: registry,
		loop:     registry.loop,
		settings: registry.Settings(),
		signals:  opts.Signals,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		sigCh:    make(chan os.Signal, 2),
		quit:     make(chan struct{}),
	}
	d.setHandler(d.onFirstTerminationSignal)
	d.signals.Notify(d.sigCh, shutdownSignals()...)
	go d.dispatch()
	return d
}

// Escalation returns the current shutdown stage.
func (d *Driver) Escalation() Escalation {
	return Escalation(d.escalation.Load())
}

// Run starts the auxiliary services and runs the loop until it is stopped.
// With stopAfterAllComplete the loop stops once every submitted task has
// finished, and Run returns right away when there is nothing to wait for.
func (d *Driver) Run(stopAfterAllComplete bool) error {
	if stopAfterAllComplete {
		done := d.registry.Done()
		if done.Resolved() {
			d.logger.Info("No pending crawls, not starting the loop")
			return nil
		}
		d.loop.OnComplete(done, func(error) {
			d.logger.Info("All crawls completed")
			d.stopLoop()
		})
	}

	if err := d.startServices(); err != nil {
		return err
	}
	defer d.stopServices()

	d.loop.AddShutdownTrigger(func() *loop.Future {
		d.beginShutdown()
		return nil
	})
	d.loop.AddShutdownTrigger(d.registry.StopAll)

	if err := d.notifier.Ready(); err != nil {
		d.logger.Warn("Failed to notify service manager", "error", err)
	}
	_ = d.notifier.Status("Running %d crawls", d.runningTasks())
	return d.loop.Run()
}

// Close stops signal handling. It is safe to call more than once.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		d.signals.Stop(d.sigCh)
		close(d.quit)
		d.timerMu.Lock()
		if d.graceTimer != nil {
			d.graceTimer.Stop()
		}
		d.timerMu.Unlock()
	})
}

func (d *Driver) setHandler(fn func(os.Signal)) {
	d.handler.Store(&fn)
}

// dispatch runs on its own goroutine. Handlers only touch atomics and
// loop.Call; registry state is never accessed from here.
func (d *Driver) dispatch() {
	for {
		select {
		case sig := <-d.sigCh:
			if h := d.handler.Load(); h != nil {
				(*h)(sig)
			}
		case <-d.quit:
			return
		}
	}
}

func (d *Driver) onFirstTerminationSignal(sig os.Signal) {
	if !d.escalation.CompareAndSwap(int32(Normal), int32(GracefulRequested)) {
		return
	}
	d.setHandler(d.onSecondTerminationSignal)
	metrics.ShutdownSignal(metrics.StageGraceful)

	name := signalName(sig)
	d.logger.Info(fmt.Sprintf("Received %s, shutting down gracefully. Send again to force", name), "signal", name)
	d.loop.Call(d.stopGracefully)

	if grace := d.settings.GetDuration(config.KeyGraceTimeout); grace > 0 {
		d.timerMu.Lock()
		d.graceTimer = time.AfterFunc(grace, func() {
			d.logger.Warn("Graceful shutdown timed out", "timeout", grace)
			d.onSecondTerminationSignal(sig)
		})
		d.timerMu.Unlock()
	}
}

func (d *Driver) onSecondTerminationSignal(sig os.Signal) {
	if Escalation(d.escalation.Swap(int32(ForceRequested))) == ForceRequested {
		return
	}
	d.setHandler(func(os.Signal) {})
	d.signals.Ignore(shutdownSignals()...)
	metrics.ShutdownSignal(metrics.StageForced)

	name := signalName(sig)
	d.logger.Info(fmt.Sprintf("Received %s twice, forcing unclean shutdown", name), "signal", name)
	d.loop.Halt()
}

// stopGracefully runs on the loop.
func (d *Driver) stopGracefully() {
	if d.beginShutdown() {
		d.registry.StopAll()
	}
}

// beginShutdown runs on the loop. It reports false when a shutdown was
// already initiated.
func (d *Driver) beginShutdown() bool {
	if d.stopping {
		return false
	}
	d.stopping = true
	if err := d.notifier.Stopping(); err != nil {
		d.logger.Warn("Failed to notify service manager", "error", err)
	}
	_ = d.notifier.Status("Stopping %d crawls", d.runningTasks())
	return true
}

func (d *Driver) runningTasks() int {
	n := 0
	for _, info := range d.registry.Tasks() {
		if info.Running {
			n++
		}
	}
	return n
}

// stopLoop asks the loop to stop once its shutdown triggers resolve. A loop
// that is not running, or already stopping, is left alone. The forced path
// uses loop.Halt instead.
func (d *Driver) stopLoop() {
	if err := d.loop.Stop(); err != nil && !errors.Is(err, loop.ErrNotRunning) {
		d.logger.Error("Failed to stop loop", "error", err)
	}
}

func (d *Driver) startServices() error {
	if d.settings.GetBool(config.KeyDNSCacheEnabled) {
		resolver, err := dnscache.New(dnscache.Options{
			Size:   d.settings.GetInt(config.KeyDNSCacheSize),
			TTL:    d.settings.GetDuration(config.KeyDNSCacheTTL),
			Logger: logging.GetLogger("dnscache"),
		})
		if err != nil {
			return err
		}
		d.resolver = resolver
		d.registry.SetResolver(resolver)
		d.logger.Debug("Caching resolver installed")
	}

	if addr := d.settings.GetString(config.KeyMetricsAddr); addr != "" {
		srv, err := exporters.Listen(addr, logging.GetLogger("metrics"))
		if err != nil {
			d.stopServices()
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		d.metrics = srv
		go func() {
			if err := srv.Serve(); err != nil {
				d.logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}
	return nil
}

func (d *Driver) stopServices() {
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.logger.Warn("Failed to stop metrics endpoint", "error", err)
		}
		cancel()
		d.metrics = nil
	}
	if d.resolver != nil {
		d.registry.SetResolver(nil)
		d.resolver.Close()
		d.resolver = nil
	}
}

// MetricsAddr returns the metrics endpoint address while Run is active.
func (d *Driver) MetricsAddr() string {
	if d.metrics == nil {
		return ""
	}
	return d.metrics.Addr()
}
