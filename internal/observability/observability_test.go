package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/storage"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ViolationRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("expected metrics")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("expected anomaly detector")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vectors only appear in Gather after first use.
	m.StoreOperationsTotal.WithLabelValues("get", "success").Inc()
	m.UserRunsTotal.WithLabelValues("succeeded", "false").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	m.RateLimitedTotal.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"scriptbox_store_operations_total",
		"scriptbox_http_script_runs_total",
		"scriptbox_http_requests_total",
		"scriptbox_http_rate_limited_total",
		"scriptbox_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["storage"]; got.Status != StatusFail || got.Message != "connection refused" {
		t.Errorf("storage check = %+v", got)
	}
	if status.Checks["sandbox"].Status != StatusOK {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	// Each check waits for the other; run one after another they would
	// only return at the deadline.
	a, b := make(chan struct{}), make(chan struct{})
	h.AddCheck("a", func(ctx context.Context) error {
		close(a)
		select {
		case <-b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.AddCheck("b", func(ctx context.Context) error {
		close(b)
		select {
		case <-a:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if status := h.CheckReady(context.Background()); status.Status != StatusOK {
		t.Errorf("status = %+v, want ok", status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != StatusOK || status.Uptime == "" {
		t.Errorf("liveness = %+v", status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	if a.RecordRun("u1", true) {
		t.Error("nil detector must never flag")
	}
}

func TestAnomalyDetector_ViolationRate(t *testing.T) {
	tests := []struct {
		name       string
		clean      int
		violations int
		want       bool
	}{
		{"not enough data", 0, 4, false},
		{"below threshold", 6, 4, false},
		{"above threshold", 4, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnomalyDetector(&config.AnomalyConfig{
				Enabled:                true,
				ViolationRateThreshold: 0.5,
				WindowSeconds:          60,
			}, nil)
			for i := 0; i < tt.clean; i++ {
				a.RecordRun("u1", false)
			}
			var flagged bool
			for i := 0; i < tt.violations; i++ {
				flagged = a.RecordRun("u1", true)
			}
			if flagged != tt.want {
				t.Errorf("flagged = %v, want %v", flagged, tt.want)
			}
			if a.RecordRun("u2", true) {
				t.Error("another user must not inherit the rate")
			}
		})
	}
}

func TestAnomalyDetector_Block(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:                true,
		ViolationRateThreshold: 0.5,
		MinRuns:                2,
		BlockSeconds:           60,
	}, nil)
	a.now = func() time.Time { return now }

	if _, blocked := a.Blocked("u1"); blocked {
		t.Fatal("unknown user blocked")
	}
	a.RecordRun("u1", true)
	if _, blocked := a.Blocked("u1"); blocked {
		t.Fatal("blocked below min runs")
	}
	if !a.RecordRun("u1", true) {
		t.Fatal("second violation should flag")
	}
	if left, blocked := a.Blocked("u1"); !blocked || left != time.Minute {
		t.Fatalf("Blocked = %v, %v; want 1m, true", left, blocked)
	}

	now = now.Add(61 * time.Second)
	if _, blocked := a.Blocked("u1"); blocked {
		t.Error("block should have expired")
	}

	// Runs older than the window no longer count.
	now = now.Add(10 * time.Minute)
	if _, blocked := a.Blocked("u1"); blocked {
		t.Error("blocked after window")
	}
	if len(a.users) != 0 {
		t.Errorf("idle user kept: %d entries", len(a.users))
	}
}

// --- InstrumentedScriptStore ---

type stubScripts struct {
	storage.ScriptStore
	err error
}

func (s *stubScripts) Get(_ context.Context, id uuid.UUID) (*storage.Script, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &storage.Script{ID: id}, nil
}

func TestInstrumentedScriptStore(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"found", nil, "success"},
		{"missing", storage.ErrNotFound, "not_found"},
		{"failure", errors.New("disk full"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetricsCollector()
			s := NewInstrumentedScriptStore(&stubScripts{err: tt.err}, m, nil)

			_, err := s.Get(context.Background(), uuid.New())
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			val := counterValue(t, m.Registry, "scriptbox_store_operations_total",
				prometheus.Labels{"operation": "get", "status": tt.status})
			if val != 1 {
				t.Errorf("operations_total{get,%s} = %v, want 1", tt.status, val)
			}
		})
	}
}

func TestInstrumentedScriptStore_NilMetrics(t *testing.T) {
	s := NewInstrumentedScriptStore(&stubScripts{}, nil, nil)
	if _, err := s.Get(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "scriptbox_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/test", "status_code": "418"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/scripts/run", nil))

	val := counterValue(t, metrics.Registry, "scriptbox_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/v1/scripts/run", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
