package engine

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/events"
	"github.com/smazurov/crawlnode/internal/spider"
	"github.com/smazurov/crawlnode/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// siteServer serves /, /a, /b and /c. Pages link to each other, including
// back to /, so duplicate filtering is exercised.
func siteServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	pages := map[string]string{
		"/":  `<a href="/a">a</a><a href="/b">b</a>`,
		"/a": `<a href="/">home</a><a href="/c">c</a>`,
		"/b": `<a href="/a#frag">a</a>`,
		"/c": `no links`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func followSpider(t *testing.T, start string, maxDepth int) spider.Spider {
	t.Helper()
	sp, err := spider.NewListSpider(spider.Definition{
		Name:        "site",
		StartURLs:   []string{start},
		FollowLinks: true,
		MaxDepth:    maxDepth,
	}, nil)
	if err != nil {
		t.Fatalf("NewListSpider() error = %v", err)
	}
	return sp
}

func newOptions(settings map[string]any, onIdle func()) (Options, *stats.Memory) {
	base := map[string]any{config.KeyRetryTimes: 0, config.KeyConcurrentRequests: 2}
	for k, v := range settings {
		base[k] = v
	}
	st := stats.NewMemory()
	return Options{
		TaskID:   "task-1",
		Settings: config.NewSettings(base).Freeze(),
		Stats:    st,
		Bus:      events.New(),
		Logger:   testLogger(),
		OnIdle:   onIdle,
	}, st
}

func startAsync(ctx context.Context, e Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for engine")
		return nil
	}
}

// waitUntil polls cond until it holds or timeout passes.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func openSpider(t *testing.T, e Engine, sp spider.Spider, requests iter.Seq[*spider.Request]) {
	t.Helper()
	if err := e.Open(context.Background(), sp, requests); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
}

func TestNewSelectsKind(t *testing.T) {
	e, err := New("http", Options{})
	if err != nil {
		t.Fatalf("New(http) error = %v", err)
	}
	if _, ok := e.(*HTTPEngine); !ok {
		t.Errorf("New(http) = %T, want *HTTPEngine", e)
	}

	e, err = New("command", Options{})
	if err != nil {
		t.Fatalf("New(command) error = %v", err)
	}
	if _, ok := e.(*CommandEngine); !ok {
		t.Errorf("New(command) = %T, want *CommandEngine", e)
	}

	if _, err := New("selenium", Options{}); err == nil {
		t.Error("expected error for unknown engine kind")
	}
}

func TestHTTPEngineCrawlsUntilIdle(t *testing.T) {
	srv, hits := siteServer(t)
	var idle atomic.Int32
	opts, st := newOptions(nil, func() { idle.Add(1) })

	var scheduled sync.Map
	unsub := opts.Bus.Subscribe(func(ev events.RequestScheduledEvent) { scheduled.Store(ev.URL, ev.Depth) })
	defer unsub()

	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)
	openSpider(t, e, sp, sp.StartRequests())

	if err := waitDone(t, startAsync(context.Background(), e)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if n := hits.Load(); n != 4 {
		t.Errorf("server hits = %d, want each of 4 pages once", n)
	}
	if n := idle.Load(); n != 1 {
		t.Errorf("idle fired %d times, want exactly once", n)
	}
	if got := st.Get(stats.KeyResponseCount); got != 4 {
		t.Errorf("response_count = %v, want 4", got)
	}
	if got := st.Get("downloader/response_status_count/200"); got != 4 {
		t.Errorf("200 responses = %v, want 4", got)
	}
	if got := st.Get(stats.KeyFinishReason); got != ReasonFinished {
		t.Errorf("finish_reason = %v, want %s", got, ReasonFinished)
	}
	if st.Get(stats.KeyDupefiltered) == nil {
		t.Error("duplicate requests were not counted")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop() after finishing error = %v", err)
	}
	waitUntil(t, time.Second, "scheduled event for /c", func() bool {
		_, ok := scheduled.Load(srv.URL + "/c")
		return ok
	})
}

func TestHTTPEngineDepthLimit(t *testing.T) {
	srv, hits := siteServer(t)
	opts, _ := newOptions(map[string]any{config.KeyDepthLimit: 1}, nil)

	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)
	openSpider(t, e, sp, sp.StartRequests())
	if err := waitDone(t, startAsync(context.Background(), e)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// "/", then "/a" and "/b" at depth 1. "/c" is depth 2.
	if n := hits.Load(); n != 3 {
		t.Errorf("server hits = %d, want 3", n)
	}
}

func TestHTTPEngineRecordsErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts, st := newOptions(nil, nil)
	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)
	openSpider(t, e, sp, sp.StartRequests())
	if err := waitDone(t, startAsync(context.Background(), e)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := st.Get("downloader/response_status_count/500"); got != 1 {
		t.Errorf("500 responses = %v, want 1", got)
	}
}

func TestHTTPEngineGracefulStop(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<a href="/next%s">next</a>`, r.URL.Path)
	}))
	defer srv.Close()
	defer close(release)

	var idle atomic.Int32
	opts, st := newOptions(map[string]any{config.KeyConcurrentRequests: 1}, func() { idle.Add(1) })
	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)
	openSpider(t, e, sp, sp.StartRequests())
	done := startAsync(context.Background(), e)

	<-entered
	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a download was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	if err := waitDone(t, stopped); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := st.Get(stats.KeyFinishReason); got != ReasonShutdown {
		t.Errorf("finish_reason = %v, want %s", got, ReasonShutdown)
	}
	if got := st.Get(stats.KeyRequestCount); got != 1 {
		t.Errorf("request_count = %v, follow-ups should not be scheduled after stop", got)
	}
	if n := idle.Load(); n != 0 {
		t.Errorf("a stopped crawl fired idle %d times", n)
	}
}

func TestHTTPEngineStartRequestsPulledLazily(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	var pulled atomic.Int32
	blocked := make(chan struct{})
	gate := make(chan struct{})
	requests := func(yield func(*spider.Request) bool) {
		pulled.Add(1)
		if !yield(spider.NewRequest(srv.URL + "/first")) {
			return
		}
		close(blocked)
		<-gate
		pulled.Add(1)
		yield(spider.NewRequest(srv.URL + "/second"))
	}

	opts, st := newOptions(nil, nil)
	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)

	opened := make(chan error, 1)
	go func() { opened <- e.Open(context.Background(), sp, requests) }()
	if err := waitDone(t, opened); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n := pulled.Load(); n != 0 {
		t.Errorf("Open() consumed %d start requests, want none", n)
	}

	done := startAsync(context.Background(), e)
	<-blocked
	waitUntil(t, 2*time.Second, "first start request", func() bool { return hits.Load() == 1 })

	// The sequence is parked; Stop must still get through.
	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(context.Background()) }()
	waitUntil(t, 2*time.Second, "engine close", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.closed
	})

	close(gate)
	if err := waitDone(t, stopped); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, start requests pulled after stop should be dropped", n)
	}
	if got := st.Get(stats.KeyFinishReason); got != ReasonShutdown {
		t.Errorf("finish_reason = %v, want %s", got, ReasonShutdown)
	}
}

func TestHTTPEngineContextCancelAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	opts, _ := newOptions(nil, nil)
	e := NewHTTP(opts)
	sp := followSpider(t, srv.URL+"/", 0)
	openSpider(t, e, sp, sp.StartRequests())

	ctx, cancel := context.WithCancel(context.Background())
	done := startAsync(ctx, e)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Errorf("Start() after cancel error = %v", err)
	}
}

func TestHTTPEngineStopBeforeStart(t *testing.T) {
	opts, st := newOptions(nil, nil)
	e := NewHTTP(opts)
	sp := followSpider(t, "https://unused.example/", 0)
	openSpider(t, e, sp, sp.StartRequests())

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := st.Get(stats.KeyFinishReason); got != ReasonShutdown {
		t.Errorf("finish_reason = %v, want %s", got, ReasonShutdown)
	}
}

func TestHTTPEngineMisuse(t *testing.T) {
	opts, _ := newOptions(nil, nil)
	e := NewHTTP(opts)

	if err := e.Start(context.Background()); err == nil {
		t.Error("expected error starting before open")
	}
	if err := e.Open(context.Background(), nil, nil); err == nil {
		t.Error("expected error opening a nil spider")
	}

	sp := followSpider(t, "https://unused.example/", 0)
	openSpider(t, e, sp, nil)
	if err := e.Open(context.Background(), sp, nil); err == nil {
		t.Error("expected error on double open")
	}
}

func TestFingerprint(t *testing.T) {
	a, err := fingerprint("https://example.com")
	if err != nil {
		t.Fatalf("fingerprint() error = %v", err)
	}
	b, err := fingerprint("https://example.com/#top")
	if err != nil {
		t.Fatalf("fingerprint() error = %v", err)
	}
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}

	if _, err := fingerprint("/relative"); err == nil {
		t.Error("expected error for a relative URL")
	}
}
