package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTurnFinished(t *testing.T) {
	m := New()
	m.TurnFinished("tool", "ok", 2*time.Second)
	m.TurnFinished("tool", "ok", time.Second)
	m.TurnFinished("direct", "upstream_error", time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("tool", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("direct", "upstream_error")))
	require.Equal(t, 2, testutil.CollectAndCount(m.TurnDuration))
}

func TestToolDispatched(t *testing.T) {
	m := New()
	m.ToolDispatched("getNews", "ok", 10*time.Millisecond)
	m.ToolDispatched("getNews", "error", 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("getNews", "error")))
}

func TestInstrumentHTTP(t *testing.T) {
	m := New()
	h := m.InstrumentHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPInFlight))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat", nil))

	require.Equal(t, 0.0, testutil.ToFloat64(m.HTTPInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPResponses.WithLabelValues("429")))
}

func TestHandler_ExposesChatMetrics(t *testing.T) {
	m := New()
	m.TurnFinished("direct", "ok", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `finsight_chat_turns_total{outcome="ok",path="direct"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
