// Package engine drives a spider: it downloads requests, feeds responses
// back to the spider and schedules the follow-ups.
package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

// Engine runs one crawl.
//
// Open must precede Start. Start blocks until the crawl finishes or Stop is
// called. Stop waits for Start to return and is safe to call at any time,
// including after the crawl finished by itself.
type Engine interface {
	Open(ctx context.Context, sp spider.Spider, requests iter.Seq[*spider.Request]) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Dialer opens network connections. *dnscache.Cache satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options are shared by all engine kinds.
type Options struct {
	TaskID   string
	Settings *config.Settings
	Stats    stats.Collector
	Dialer   Dialer
	Bus      *events.Bus
	Logger   *slog.Logger
	// OnIdle is called once when the engine runs out of work. It runs on an
	// engine goroutine.
	OnIdle func()
}

func (o *Options) normalize() {
	if o.Settings == nil {
		o.Settings = config.NewSettings(nil)
	}
	if o.Stats == nil {
		o.Stats = stats.Dummy{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnIdle == nil {
		o.OnIdle = func() {}
	}
}

// New builds the engine named kind ("http" or "command").
func New(kind string, opts Options) (Engine, error) {
	opts.normalize()
	switch kind {
	case "http", "":
		return NewHTTP(opts), nil
	case "command":
		return NewCommand(opts), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}

// Reasons passed to stats.Collector.Close.
const (
	ReasonFinished = "finished"
	ReasonShutdown = "shutdown"
	ReasonFailed   = "failed"
)
