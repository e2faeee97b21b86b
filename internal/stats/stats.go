// Package stats collects per-crawl counters such as downloaded requests and
// response codes.
package stats

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Well-known keys.
const (
	KeyStartTime      = "start_time"
	KeyFinishTime     = "finish_time"
	KeyFinishReason   = "finish_reason"
	KeyRequestCount   = "downloader/request_count"
	KeyResponseCount  = "downloader/response_count"
	KeyExceptionCount = "downloader/exception_count"
	KeyItemCount      = "item_scraped_count"
	KeyDupefiltered   = "dupefilter/filtered"
)

// Collector records stats for one crawl. Implementations are safe for
// concurrent use.
type Collector interface {
	Inc(key string, n int)
	Set(key string, value any)
	Get(key string) any
	Snapshot() map[string]any
	Open(spider string)
	Close(reason string)
}

// New returns the collector named by the stats_class setting. reg is only
// used by "prometheus" and may be nil for the default registerer.
func New(class string, reg prometheus.Registerer) (Collector, error) {
	switch class {
	case "memory", "":
		return NewMemory(), nil
	case "dummy":
		return Dummy{}, nil
	case "prometheus":
		p, err := NewPrometheus(reg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown stats class %q", class)
	}
}

// Memory keeps stats in a map.
type Memory struct {
	mu     sync.Mutex
	values map[string]any
}

// NewMemory returns an empty collector.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

func (m *Memory) Inc(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.values[key].(int)
	m.values[key] = cur + n
}

func (m *Memory) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Memory) Get(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *Memory) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values)
}

func (m *Memory) Open(string) {
	m.Set(KeyStartTime, time.Now().UTC())
}

func (m *Memory) Close(reason string) {
	m.mu.Lock()
	m.values[KeyFinishTime] = time.Now().UTC()
	m.values[KeyFinishReason] = reason
	m.mu.Unlock()
}

// Dummy discards everything.
type Dummy struct{}

func (Dummy) Inc(string, int)          {}
func (Dummy) Set(string, any)          {}
func (Dummy) Get(string) any           { return nil }
func (Dummy) Snapshot() map[string]any { return map[string]any{} }
func (Dummy) Open(string)              {}
func (Dummy) Close(string)             {}
