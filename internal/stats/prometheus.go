package stats

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus keeps stats in memory and mirrors numeric values into the
// crawlnode_stats gauge, labelled by spider and key.
type Prometheus struct {
	*Memory

	gauge *prometheus.GaugeVec

	mu     sync.Mutex
	spider string
}

// NewPrometheus registers crawlnode_stats with reg, or the default registerer
// when reg is nil. Collectors share the gauge when it is already registered.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crawlnode",
		Name:      "stats",
		Help:      "Crawl stats by spider and key",
	}, []string{"spider", "key"})

	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, err
		}
		gauge = existing
	}

	return &Prometheus{Memory: NewMemory(), gauge: gauge}, nil
}

// Open binds the collector to spider.
func (p *Prometheus) Open(spider string) {
	p.mu.Lock()
	p.spider = spider
	p.mu.Unlock()
	p.Memory.Open(spider)
}

func (p *Prometheus) Inc(key string, n int) {
	p.Memory.Inc(key, n)
	if v, ok := p.Memory.Get(key).(int); ok {
		p.export(key, float64(v))
	}
}

func (p *Prometheus) Set(key string, value any) {
	p.Memory.Set(key, value)
	switch v := value.(type) {
	case int:
		p.export(key, float64(v))
	case int64:
		p.export(key, float64(v))
	case float64:
		p.export(key, v)
	}
}

func (p *Prometheus) export(key string, v float64) {
	p.mu.Lock()
	spider := p.spider
	p.mu.Unlock()
	if spider == "" {
		return
	}
	p.gauge.WithLabelValues(spider, key).Set(v)
}
