package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskFinalized("CHAT", "FINISHED")
		m.OutputDone("CHAT", "FAILED", time.Second)
		m.QueueDepth("chat", 3)
		m.UsageDenied("CHAT", "quota")
		m.Degraded("translation")
		m.StreamOpened()
		m.StreamClosed()
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.TaskFinalized("CHAT", "FINISHED")
	m.TaskFinalized("CHAT", "FINISHED")
	m.UsageDenied("SUMMARY", "quota")
	m.QueueDepth("chat", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("CHAT", "FINISHED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageDenials.WithLabelValues("SUMMARY", "quota")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("chat")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks/abc", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/tasks/{id}", "404")))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), "hrchat_http_requests_total")
}
