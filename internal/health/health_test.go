package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

func TestAggregateUnknownWhenEmpty(t *testing.T) {
	m := newTestMonitor(t)
	if got := m.Aggregate(); got != StatusUnknown {
		t.Fatalf("expected StatusUnknown, got %s", got)
	}
}

func TestAggregateUpIffAllUp(t *testing.T) {
	m := newTestMonitor(t)
	m.Report("tracker", StatusUp, nil)
	m.Report("indexserver", StatusUp, nil)
	if got := m.Aggregate(); got != StatusUp {
		t.Fatalf("expected StatusUp, got %s", got)
	}
	m.Report("peer", StatusDown, map[string]any{"reason": "unreachable"})
	if got := m.Aggregate(); got != StatusDown {
		t.Fatalf("expected StatusDown once any service is down, got %s", got)
	}
}

func TestHealthEndpointReflectsAggregate(t *testing.T) {
	m := newTestMonitor(t)
	m.Report("tracker", StatusDown, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a service is down, got %d", rec.Code)
	}
}

func TestHealthDetailsListsServices(t *testing.T) {
	m := newTestMonitor(t)
	m.Report("tracker", StatusUp, map[string]any{"peers": 3})
	req := httptest.NewRequest(http.MethodGet, "/health/details", nil)
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	services, ok := body["services"].(map[string]any)
	if !ok || services["tracker"] == nil {
		t.Fatalf("expected tracker entry in services, got %+v", body)
	}
}

func TestHealthServiceEndpoint(t *testing.T) {
	m := newTestMonitor(t)
	m.Report("peer", StatusUp, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/service?name=peer", nil)
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known service, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health/service?name=ghost", nil)
	rec2 := httptest.NewRecorder()
	m.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", rec2.Code)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/health/service", nil)
	rec3 := httptest.NewRecorder()
	m.Router().ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when name is missing, got %d", rec3.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	m := newTestMonitor(t)
	m.Report("tracker", StatusUp, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
