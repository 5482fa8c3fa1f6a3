package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
)

func TestHandlerServesSharedRegistry(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("batch_analysis").End(nil)
	jobs.ObserveAlgorithmRun("license-downgrade", "batch", "COMPLETED", 3, 0)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `advisor_jobs_total{job="batch_analysis",status="success"} 1`)
	require.Contains(t, body, `advisor_findings_total{algorithm="license-downgrade"} 3`)
	require.Contains(t, body, "go_goroutines")
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	metrics := NewMetrics()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/api/recommendations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/recommendations/"+id, nil))
	}

	require.InDelta(t, 2, counterValue(t, metrics, "advisor_http_requests_total", "/api/recommendations/{id}", "404"), 0)
}

func TestMiddlewareTracksInFlightRequests(t *testing.T) {
	metrics := NewMetrics()
	var during float64
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = gaugeValue(t, metrics, "advisor_http_requests_in_flight")
		w.WriteHeader(http.StatusNoContent)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/recommendations/x/approve", nil))
	require.InDelta(t, 1, during, 0)
	require.InDelta(t, 0, gaugeValue(t, metrics, "advisor_http_requests_in_flight"), 0)
}

func TestMiddlewareFallsBackToUnknownRoute(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.InDelta(t, 1, counterValue(t, metrics, "advisor_http_requests_total", "unknown", "200"), 0)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	rec = httptest.NewRecorder()
	metrics.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

// counterValue reads one series of a route/code counter from the registry.
func counterValue(t *testing.T, metrics *Metrics, name, route, code string) float64 {
	t.Helper()
	families, err := metrics.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == route && labels["code"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("series %s{route=%q,code=%q} not found", name, route, code)
	return 0
}

func gaugeValue(t *testing.T, metrics *Metrics, name string) float64 {
	t.Helper()
	families, err := metrics.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}
