package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meteredRouter(m *HTTPMetrics, status int, inHandler func()) *chi.Mux {
	r := chi.NewRouter()
	r.Use(m.Handler("saga-orchestrator"))
	r.Get("/saga/{id}/status", func(w http.ResponseWriter, _ *http.Request) {
		if inHandler != nil {
			inHandler()
		}
		if status != 0 {
			w.WriteHeader(status)
		}
		_, _ = w.Write([]byte(`{}`))
	})
	return r
}

func TestHTTPMetrics_CountsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	r := meteredRouter(m, 0, nil)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/saga/"+id+"/status", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	expected := `
# HELP http_requests_total API requests by route and status.
# TYPE http_requests_total counter
http_requests_total{method="GET",route="/saga/{id}/status",service="saga-orchestrator",status="200"} 3
http_requests_total{method="GET",route="unknown",service="saga-orchestrator",status="404"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "http_requests_total"))
}

func TestHTTPMetrics_StatusAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	meteredRouter(m, http.StatusConflict, nil).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/saga/x/status", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("saga-orchestrator", "GET", "/saga/{id}/status", "409")))

	obs, err := m.duration.GetMetricWithLabelValues("saga-orchestrator", "GET", "/saga/{id}/status", "409")
	require.NoError(t, err)
	var d dto.Metric
	require.NoError(t, obs.(prometheus.Metric).Write(&d))
	assert.Equal(t, uint64(1), d.GetHistogram().GetSampleCount())
}

func TestHTTPMetrics_InFlight(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())
	gauge := m.inFlight.WithLabelValues("saga-orchestrator")

	var during float64
	meteredRouter(m, 0, func() { during = testutil.ToFloat64(gauge) }).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/saga/x/status", nil))

	assert.Equal(t, 1.0, during)
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

func TestNewHTTPMetrics_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() { NewHTTPMetrics(nil) })
}

type flushHijackWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type bareWriter struct{ http.ResponseWriter }

func TestResponseWriter_Passthrough(t *testing.T) {
	under := &flushHijackWriter{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: under, statusCode: http.StatusOK}

	rw.Flush()
	assert.True(t, under.Flushed)
	_, _, err := rw.Hijack()
	require.NoError(t, err)
	assert.True(t, under.hijacked)

	bare := &responseWriter{ResponseWriter: bareWriter{httptest.NewRecorder()}}
	assert.NotPanics(t, bare.Flush)
	_, _, err = bare.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}
