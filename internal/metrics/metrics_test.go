package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReceived()
		m.BatchDispatched()
		m.TurnCancelled()
		m.BatchMerged(true)
		m.DirectiveExecuted("clock", true, time.Millisecond)
		m.TurnFinished("ok", 1, time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.EventReceived()
	m.EventReceived()
	m.BatchMerged(true)
	m.BatchMerged(false)
	m.BatchMerged(false)
	m.DirectiveExecuted("clock", true, 10*time.Millisecond)
	m.DirectiveExecuted("clock", false, 10*time.Millisecond)
	m.TurnFinished("truncated", 3, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchMerges.WithLabelValues("merged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchMerges.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directives.WithLabelValues("clock", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directives.WithLabelValues("clock", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("truncated")))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.BatchDispatched()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "parley_batches_total 1")
}
