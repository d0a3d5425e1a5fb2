// Package metrics provides the Prometheus-backed telemetry sink.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink registers collectors lazily per metric name. Names arrive
// flat and component-namespaced ("ratelimit.system_bypass") and are
// sanitized into loom_ratelimit_system_bypass.
type PrometheusSink struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

func NewPrometheusSink() *PrometheusSink {
	return NewPrometheusSinkWith(prometheus.DefaultRegisterer)
}

func NewPrometheusSinkWith(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{
		registerer: reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func sanitize(name string) string {
	s := strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
	return "loom_" + s
}

func (s *PrometheusSink) counter(name string) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := promauto.With(s.registerer).NewCounter(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: name,
	})
	s.counters[name] = c
	return c
}

func (s *PrometheusSink) IncCounter(name string) {
	s.counter(name).Inc()
}

func (s *PrometheusSink) AddCounter(name string, delta float64) {
	s.counter(name).Add(delta)
}

func (s *PrometheusSink) SetGauge(name string, value float64) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = promauto.With(s.registerer).NewGauge(prometheus.GaugeOpts{
			Name: sanitize(name),
			Help: name,
		})
		s.gauges[name] = g
	}
	s.mu.Unlock()
	g.Set(value)
}

func (s *PrometheusSink) Observe(name string, value float64) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = promauto.With(s.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    sanitize(name),
			Help:    name,
			Buckets: prometheus.DefBuckets,
		})
		s.histograms[name] = h
	}
	s.mu.Unlock()
	h.Observe(value)
}

// NoopSink discards all telemetry.
type NoopSink struct{}

func (NoopSink) IncCounter(string)          {}
func (NoopSink) AddCounter(string, float64) {}
func (NoopSink) SetGauge(string, float64)   {}
func (NoopSink) Observe(string, float64)    {}

// RecordingSink captures values for test assertions.
type RecordingSink struct {
	mu       sync.Mutex
	Counters map[string]float64
	Gauges   map[string]float64
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		Counters: make(map[string]float64),
		Gauges:   make(map[string]float64),
	}
}

func (s *RecordingSink) IncCounter(name string) {
	s.AddCounter(name, 1)
}

func (s *RecordingSink) AddCounter(name string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counters[name] += delta
}

func (s *RecordingSink) SetGauge(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gauges[name] = value
}

func (s *RecordingSink) Observe(string, float64) {}

func (s *RecordingSink) Counter(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counters[name]
}
