package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// ResourceMetrics tracks per-named-resource request/error counters and
// response-time extremes with atomic increments, per spec.md §4.5:
// "request count, error count, error rate, average/min/max response
// time, operation counters, custom counters."
type ResourceMetrics struct {
	name string

	requests   atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64

	mu        sync.Mutex
	minNanos  int64
	maxNanos  int64
	operation map[string]*atomic.Int64
	custom    map[string]*atomic.Int64
}

func newResourceMetrics(name string) *ResourceMetrics {
	return &ResourceMetrics{
		name:      name,
		operation: make(map[string]*atomic.Int64),
		custom:    make(map[string]*atomic.Int64),
	}
}

// Observe records one completed request's outcome and latency.
func (m *ResourceMetrics) Observe(operation string, err error, elapsed time.Duration) {
	m.requests.Add(1)
	if err != nil {
		m.errors.Add(1)
	}
	nanos := elapsed.Nanoseconds()
	m.totalNanos.Add(nanos)

	m.mu.Lock()
	if m.minNanos == 0 || nanos < m.minNanos {
		m.minNanos = nanos
	}
	if nanos > m.maxNanos {
		m.maxNanos = nanos
	}
	if operation != "" {
		m.counterLocked(m.operation, operation).Add(1)
	}
	m.mu.Unlock()
}

// IncrCustom bumps a named custom counter by delta, for callers tracking
// domain-specific events (e.g. "cacheHits", "gossipDropped").
func (m *ResourceMetrics) IncrCustom(name string, delta int64) {
	m.mu.Lock()
	c := m.counterLocked(m.custom, name)
	m.mu.Unlock()
	c.Add(delta)
}

func (m *ResourceMetrics) counterLocked(set map[string]*atomic.Int64, key string) *atomic.Int64 {
	c, ok := set[key]
	if !ok {
		c = &atomic.Int64{}
		set[key] = c
	}
	return c
}

// Snapshot is a point-in-time view of a ResourceMetrics, safe to encode
// as JSON or render in a report.
type Snapshot struct {
	Name              string           `json:"name"`
	RequestCount      int64            `json:"requestCount"`
	ErrorCount        int64            `json:"errorCount"`
	ErrorRate         float64          `json:"errorRate"`
	AvgResponseTimeMs float64          `json:"avgResponseTimeMs"`
	MinResponseTimeMs float64          `json:"minResponseTimeMs"`
	MaxResponseTimeMs float64          `json:"maxResponseTimeMs"`
	Operations        map[string]int64 `json:"operations,omitempty"`
	Custom            map[string]int64 `json:"custom,omitempty"`
}

// Snapshot returns a consistent point-in-time copy of this resource's
// counters.
func (m *ResourceMetrics) Snapshot() Snapshot {
	requests := m.requests.Load()
	errs := m.errors.Load()
	total := m.totalNanos.Load()

	s := Snapshot{Name: m.name, RequestCount: requests, ErrorCount: errs}
	if requests > 0 {
		s.ErrorRate = float64(errs) / float64(requests)
		s.AvgResponseTimeMs = float64(total) / float64(requests) / 1e6
	}

	m.mu.Lock()
	s.MinResponseTimeMs = float64(m.minNanos) / 1e6
	s.MaxResponseTimeMs = float64(m.maxNanos) / 1e6
	if len(m.operation) > 0 {
		s.Operations = make(map[string]int64, len(m.operation))
		for k, v := range m.operation {
			s.Operations[k] = v.Load()
		}
	}
	if len(m.custom) > 0 {
		s.Custom = make(map[string]int64, len(m.custom))
		for k, v := range m.custom {
			s.Custom[k] = v.Load()
		}
	}
	m.mu.Unlock()
	return s
}

// MetricsRegistry owns one ResourceMetrics per named resource (typically
// one per server component: "tracker", "indexserver", "peer").
type MetricsRegistry struct {
	mu        sync.Mutex
	resources map[string]*ResourceMetrics
}

// NewMetricsRegistry constructs an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{resources: make(map[string]*ResourceMetrics)}
}

// Resource returns the named ResourceMetrics, creating it on first use.
func (r *MetricsRegistry) Resource(name string) *ResourceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.resources[name]
	if !ok {
		m = newResourceMetrics(name)
		r.resources[name] = m
	}
	return m
}

// AllSnapshots returns a snapshot of every tracked resource.
func (r *MetricsRegistry) AllSnapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.resources))
	for name, m := range r.resources {
		out[name] = m.Snapshot()
	}
	return out
}
