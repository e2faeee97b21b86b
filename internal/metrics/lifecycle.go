// Package metrics provides Prometheus metrics for crawl tasks and engines.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stop results recorded by TaskStopped.
const (
	ResultFinished = "finished"
	ResultStopped  = "stopped"
	ResultFailed   = "failed"
)

// Shutdown stages recorded by ShutdownSignal.
const (
	StageGraceful = "graceful"
	StageForced   = "forced"
)

var (
	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlnode",
		Subsystem: "tasks",
		Name:      "running",
		Help:      "Crawl tasks currently running",
	})

	tasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlnode",
		Subsystem: "tasks",
		Name:      "started_total",
		Help:      "Crawl tasks started",
	}, []string{"spider"})

	tasksStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlnode",
		Subsystem: "tasks",
		Name:      "stopped_total",
		Help:      "Crawl tasks stopped, by result",
	}, []string{"result"})

	shutdownSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlnode",
		Subsystem: "shutdown",
		Name:      "signals_total",
		Help:      "Termination signals handled, by escalation stage",
	}, []string{"stage"})

	engineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlnode",
		Subsystem: "engine",
		Name:      "requests_total",
		Help:      "Requests downloaded",
	}, []string{"spider"})

	engineResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlnode",
		Subsystem: "engine",
		Name:      "responses_total",
		Help:      "Responses received, by status class",
	}, []string{"spider", "status"})

	// Local cache for status output.
	spiderCache   = make(map[string]*SpiderMetrics)
	spiderCacheMu sync.RWMutex
)

// SpiderMetrics holds running totals for one spider.
type SpiderMetrics struct {
	Requests  int
	Responses int
	Errors    int
}

// TaskStarted records a task whose engine started.
func TaskStarted(spider string) {
	tasksStarted.WithLabelValues(spider).Inc()
	tasksRunning.Inc()
}

// TaskStopped records a task leaving the running state.
func TaskStopped(result string) {
	tasksStopped.WithLabelValues(result).Inc()
	tasksRunning.Dec()
}

// ShutdownSignal records a termination signal at stage.
func ShutdownSignal(stage string) {
	shutdownSignals.WithLabelValues(stage).Inc()
}

// RequestFetched records a download attempt.
func RequestFetched(spider string) {
	engineRequests.WithLabelValues(spider).Inc()
	updateCache(spider, func(m *SpiderMetrics) { m.Requests++ })
}

// ResponseReceived records a response by status class ("2xx", "4xx"...).
// A status of 0 counts as a transport error.
func ResponseReceived(spider string, status int) {
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	engineResponses.WithLabelValues(spider, class).Inc()
	updateCache(spider, func(m *SpiderMetrics) {
		if status == 0 {
			m.Errors++
			return
		}
		m.Responses++
	})
}

// GetSpiderMetrics returns totals for spider, or nil when nothing was recorded.
func GetSpiderMetrics(spider string) *SpiderMetrics {
	spiderCacheMu.RLock()
	defer spiderCacheMu.RUnlock()
	if m, ok := spiderCache[spider]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// DeleteSpiderMetrics drops engine series and totals for spider.
func DeleteSpiderMetrics(spider string) {
	engineRequests.DeleteLabelValues(spider)
	engineResponses.DeletePartialMatch(prometheus.Labels{"spider": spider})

	spiderCacheMu.Lock()
	delete(spiderCache, spider)
	spiderCacheMu.Unlock()
}

func updateCache(spider string, update func(*SpiderMetrics)) {
	spiderCacheMu.Lock()
	defer spiderCacheMu.Unlock()
	m, ok := spiderCache[spider]
	if !ok {
		m = &SpiderMetrics{}
		spiderCache[spider] = m
	}
	update(m)
}
