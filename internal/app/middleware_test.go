package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Get("/recommendations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	r.Get("/quiet", func(http.ResponseWriter, *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/recommendations/1234", nil))
	line := decodeLogLine(t, &buf)
	require.Equal(t, "/recommendations/{id}", line["route"])
	require.EqualValues(t, http.StatusTeapot, line["status"])
	require.Equal(t, "INFO", line["level"])

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	line = decodeLogLine(t, &buf)
	require.Equal(t, "ERROR", line["level"])

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/quiet", nil))
	line = decodeLogLine(t, &buf)
	require.EqualValues(t, http.StatusOK, line["status"])
}

func TestMiddlewareStackRateLimitsPerConfig(t *testing.T) {
	stack := MiddlewareStack(MiddlewareConfig{
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Config: &Config{RateLimitPerMinute: 2},
	})
	r := chi.NewRouter()
	r.Use(stack...)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.NewDecoder(buf).Decode(&line))
	return line
}
