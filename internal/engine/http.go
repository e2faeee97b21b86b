package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/metrics"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

// MaxBodySize caps how much of a response body is read.
const MaxBodySize = 10 << 20

// HTTPEngine downloads requests with a pool of workers. A graceful Stop lets
// in-flight downloads finish but schedules nothing new; cancelling the
// context given to Start aborts them.
type HTTPEngine struct {
	opts       Options
	client     *retryablehttp.Client
	workers    int
	depthLimit int
	userAgent  string

	mu        sync.Mutex
	cond      *sync.Cond
	sp        spider.Spider
	pending   []*spider.Request
	inflight  int
	seen      map[string]struct{}
	closed    bool
	reason    string
	started   bool
	done      chan struct{}
	startNext func() (*spider.Request, bool)
	startStop func()
	pulling   bool
}

// NewHTTP creates an HTTP engine from opts.
func NewHTTP(opts Options) *HTTPEngine {
	opts.normalize()
	s := opts.Settings

	client := retryablehttp.NewClient()
	client.RetryMax = max(s.GetInt(config.KeyRetryTimes), 0)
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = opts.Logger.With("component", "retryablehttp")
	if timeout := s.GetDuration(config.KeyDownloadTimeout); timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	if opts.Dialer != nil {
		if t, ok := client.HTTPClient.Transport.(*http.Transport); ok {
			t.DialContext = opts.Dialer.DialContext
		}
	}

	e := &HTTPEngine{
		opts:       opts,
		client:     client,
		workers:    max(s.GetInt(config.KeyConcurrentRequests), 1),
		depthLimit: s.GetInt(config.KeyDepthLimit),
		userAgent:  s.GetString(config.KeyUserAgent),
		seen:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Open implements Engine. Start requests are pulled lazily by idle workers,
// so a slow or endless sequence never holds the engine lock.
func (e *HTTPEngine) Open(_ context.Context, sp spider.Spider, requests iter.Seq[*spider.Request]) error {
	if sp == nil {
		return errors.New("engine: nil spider")
	}

	e.mu.Lock()
	if e.sp != nil {
		e.mu.Unlock()
		return errors.New("engine: spider already open")
	}
	e.sp = sp
	if requests != nil {
		e.startNext, e.startStop = iter.Pull(requests)
	}
	e.mu.Unlock()

	e.opts.Stats.Open(sp.Name())
	e.opts.Bus.Publish(events.SpiderOpenedEvent{TaskID: e.opts.TaskID, Spider: sp.Name(), Timestamp: events.Now()})
	e.opts.Logger.Info("Spider opened", "workers", e.workers)
	return nil
}

// Start implements Engine.
func (e *HTTPEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.sp == nil:
		e.mu.Unlock()
		return errors.New("engine: spider not opened")
	case e.started:
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	stoppedEarly := e.closed
	e.mu.Unlock()
	defer close(e.done)
	defer e.releaseStart()

	if stoppedEarly {
		e.opts.Stats.Close(ReasonShutdown)
		return nil
	}

	// Wake idle workers when the context is cancelled.
	stopWake := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.closeLocked(ReasonShutdown)
		e.mu.Unlock()
	})
	defer stopWake()

	g, gctx := errgroup.WithContext(ctx)
	for range e.workers {
		g.Go(func() error {
			return e.work(gctx)
		})
	}
	err := g.Wait()

	e.mu.Lock()
	reason := e.reason
	e.mu.Unlock()
	if err != nil {
		reason = ReasonFailed
	}
	e.opts.Stats.Close(reason)
	e.opts.Logger.Info("Engine finished", "reason", reason)
	return err
}

// Stop implements Engine.
func (e *HTTPEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closeLocked(ReasonShutdown)
	started := e.started
	e.mu.Unlock()

	if !started {
		e.releaseStart()
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeLocked stops scheduling. Callers hold mu.
func (e *HTTPEngine) closeLocked(reason string) {
	if !e.closed {
		e.closed = true
		e.reason = reason
	}
	e.cond.Broadcast()
}

// releaseStart drops the start request sequence. It must not run while a
// worker may still be pulling from it.
func (e *HTTPEngine) releaseStart() {
	e.mu.Lock()
	stop := e.startStop
	e.startNext, e.startStop = nil, nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// schedule queues req unless it is filtered. Callers hold mu.
func (e *HTTPEngine) schedule(req *spider.Request) {
	if e.closed || req == nil {
		return
	}
	if e.depthLimit > 0 && req.Depth > e.depthLimit {
		return
	}
	key, err := fingerprint(req.URL)
	if err != nil {
		e.opts.Logger.Warn("Dropping invalid request", "url", req.URL, "error", err)
		return
	}
	if _, dup := e.seen[key]; dup {
		e.opts.Stats.Inc(stats.KeyDupefiltered, 1)
		return
	}
	e.seen[key] = struct{}{}
	e.pending = append(e.pending, req)
	e.cond.Signal()
	e.opts.Bus.Publish(events.RequestScheduledEvent{TaskID: e.opts.TaskID, URL: req.URL, Depth: req.Depth})
}

func (e *HTTPEngine) work(ctx context.Context) error {
	for {
		req, idle := e.next()
		if req == nil {
			if idle {
				e.opts.OnIdle()
			}
			return nil
		}
		e.fetch(ctx, req)

		e.mu.Lock()
		e.inflight--
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// next blocks until a request is available. It returns nil when the engine
// is closed; idle is true for the one caller that detected the queue drained.
// When the queue is empty one worker at a time pulls the next start request,
// with mu released while the sequence runs.
func (e *HTTPEngine) next() (req *spider.Request, idle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		switch {
		case e.closed:
			return nil, false
		case len(e.pending) > 0:
			req = e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			e.inflight++
			return req, false
		case e.startNext != nil && !e.pulling:
			e.pullStart()
			continue
		case e.inflight == 0 && !e.pulling && e.startNext == nil:
			e.closeLocked(ReasonFinished)
			return nil, true
		}
		e.cond.Wait()
	}
}

// pullStart moves one start request into the queue. Callers hold mu.
func (e *HTTPEngine) pullStart() {
	pull := e.startNext
	e.pulling = true
	e.mu.Unlock()
	req, ok := pull()
	e.mu.Lock()
	e.pulling = false
	if ok {
		e.schedule(req)
	} else {
		e.startNext = nil
	}
	e.cond.Broadcast()
}

func (e *HTTPEngine) fetch(ctx context.Context, req *spider.Request) {
	name := e.sp.Name()
	logger := e.opts.Logger.With("url", req.URL)
	metrics.RequestFetched(name)
	e.opts.Stats.Inc(stats.KeyRequestCount, 1)

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		e.opts.Stats.Inc(stats.KeyExceptionCount, 1)
		logger.Warn("Invalid request", "error", err)
		return
	}
	if e.userAgent != "" {
		hreq.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.opts.Stats.Inc(stats.KeyExceptionCount, 1)
		metrics.ResponseReceived(name, 0)
		logger.Warn("Download failed", "error", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		e.opts.Stats.Inc(stats.KeyExceptionCount, 1)
		logger.Warn("Failed to read body", "error", err)
		return
	}

	metrics.ResponseReceived(name, resp.StatusCode)
	e.opts.Stats.Inc(stats.KeyResponseCount, 1)
	e.opts.Stats.Inc(fmt.Sprintf("downloader/response_status_count/%d", resp.StatusCode), 1)
	e.opts.Bus.Publish(events.ResponseReceivedEvent{TaskID: e.opts.TaskID, URL: req.URL, Status: resp.StatusCode})
	logger.Debug("Response received", "status", resp.StatusCode, "bytes", len(body))

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	follow, err := e.sp.Parse(ctx, &spider.Response{
		Request: req,
		URL:     finalURL,
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    body,
	})
	if err != nil {
		logger.Warn("Spider failed to parse response", "error", err)
		e.opts.Bus.Publish(events.SpiderErrorEvent{
			TaskID:    e.opts.TaskID,
			Spider:    name,
			Stage:     "parse",
			Error:     err.Error(),
			Timestamp: events.Now(),
		})
		return
	}

	e.mu.Lock()
	for _, r := range follow {
		e.schedule(r)
	}
	e.mu.Unlock()
}

// fingerprint normalizes a URL for duplicate filtering.
func fingerprint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
