// Package health implements the aggregate health and metrics surface from
// spec.md §4.5: a registry of per-service HealthRecords exposed over HTTP
// with Prometheus metrics, grounded on the teacher's
// core/system_health_logging.go (logrus JSON sink plus a
// prometheus.Registry of gauges/counters), re-targeted here from
// blockchain metrics to per-service health.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/go-chi/chi/v5"
)

// Status is a coarse health state for one service.
type Status string

const (
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
	StatusUnknown Status = "UNKNOWN"
)

// Record is the last-observed health of one named service.
type Record struct {
	Status      Status         `json:"status"`
	LastChecked time.Time      `json:"lastChecked"`
	Details     map[string]any `json:"details,omitempty"`
}

// Monitor aggregates HealthRecords across registered services, exposes
// them over HTTP, and mirrors every transition into Prometheus gauges and
// a structured logrus sink, per spec.md §4.5.
type Monitor struct {
	log      *logrus.Logger
	gatherer prometheus.Gatherer

	mu      sync.RWMutex
	records map[string]Record

	statusGauge   *prometheus.GaugeVec
	checkCounter  *prometheus.CounterVec
	lastCheckedAt *prometheus.GaugeVec

	metrics *MetricsRegistry
}

// Metrics returns the Monitor's per-resource request/error/latency
// registry (spec.md §4.5's "request count, error count, error rate,
// average/min/max response time, operation counters, custom counters").
func (m *Monitor) Metrics() *MetricsRegistry { return m.metrics }

// Config controls log destination and metric namespace.
type Config struct {
	LogFilePath string // empty disables the file sink; logs go to stderr
	Namespace   string // prometheus namespace, defaults to "p2pmesh"
	Registerer  prometheus.Registerer
}

// NewMonitor constructs a Monitor. A nil Registerer uses
// prometheus.DefaultRegisterer.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "p2pmesh"
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.LogFilePath != "" {
		f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(f)
	}

	factory := promauto.With(reg)
	m := &Monitor{
		log:      log,
		gatherer: gatherer,
		records:  make(map[string]Record),
		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "service_up",
			Help:      "1 if the named service is reporting UP, else 0.",
		}, []string{"service"}),
		checkCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "health_checks_total",
			Help:      "Total health status reports received per service.",
		}, []string{"service", "status"}),
		lastCheckedAt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "service_last_checked_unixtime",
			Help:      "Unix timestamp of the last health report per service.",
		}, []string{"service"}),
		metrics: NewMetricsRegistry(),
	}
	return m, nil
}

// Report records the current status of a named service.
func (m *Monitor) Report(service string, status Status, details map[string]any) {
	now := time.Now()
	m.mu.Lock()
	m.records[service] = Record{Status: status, LastChecked: now, Details: details}
	m.mu.Unlock()

	gaugeVal := 0.0
	if status == StatusUp {
		gaugeVal = 1.0
	}
	m.statusGauge.WithLabelValues(service).Set(gaugeVal)
	m.checkCounter.WithLabelValues(service, string(status)).Inc()
	m.lastCheckedAt.WithLabelValues(service).Set(float64(now.Unix()))

	entry := m.log.WithFields(logrus.Fields{"service": service, "status": status})
	if status == StatusUp {
		entry.Info("health report")
	} else {
		entry.Warn("health report")
	}
}

// Snapshot returns a copy of every tracked service's current Record.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// statusSummary returns just the coarse Status of every tracked service,
// without the detail maps that make up the full Snapshot.
func (m *Monitor) statusSummary() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.records))
	for k, v := range m.records {
		out[k] = v.Status
	}
	return out
}

// ServiceRecord returns one service's Record, and whether it is tracked.
func (m *Monitor) ServiceRecord(service string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[service]
	return r, ok
}

// Aggregate reports StatusUp iff every tracked service is StatusUp and at
// least one service is tracked; StatusUnknown if nothing is tracked yet.
func (m *Monitor) Aggregate() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return StatusUnknown
	}
	for _, r := range m.records {
		if r.Status != StatusUp {
			return StatusDown
		}
	}
	return StatusUp
}

// Router builds the chi.Router exposing /health, /health/details,
// /health/service, and /metrics, per spec.md §4.5.
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", m.handleHealth)
	r.Get("/health/details", m.handleHealthDetails)
	r.Get("/health/detailed", m.handleHealthDetails)
	r.Get("/health/service", m.handleHealthService)
	r.Get("/health/resources", m.handleResourceMetrics)
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (m *Monitor) handleResourceMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.metrics.AllSnapshots())
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	agg := m.Aggregate()
	status := http.StatusOK
	if agg != StatusUp {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":    agg,
		"timestamp": time.Now(),
		"services":  m.statusSummary(),
	})
}

func (m *Monitor) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    m.Aggregate(),
		"timestamp": time.Now(),
		"services":  m.Snapshot(),
	})
}

func (m *Monitor) handleHealthService(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing name query parameter"})
		return
	}
	rec, ok := m.ServiceRecord(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown service"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
