// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Verifies counters move, nil receivers are safe and the handler serves text format

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.FrameReceived("message")
	m.FrameReceived("message")
	m.FrameReceived("typing")
	m.AuthFailure("invalid_token")
	m.EventPublished("message")
	m.EventDelivered()
	m.EventDropped()
	m.RelaySent(true)
	m.RelaySent(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("typing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("invalid_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relaySent.WithLabelValues("error")))
}

func TestMetrics_SessionStateTransitions(t *testing.T) {
	m := New()

	m.SessionState("", "awaiting_auth")
	m.SessionState("awaiting_auth", "joined")
	m.SessionState("", "awaiting_auth")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("awaiting_auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("joined")))

	m.SessionState("joined", "")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("joined")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived("message")
		m.SessionState("", "joined")
		m.EventDropped()
		m.ObserveStore("create_message", 0.01)
		m.RegisterGaugeFunc("x", "y", func() float64 { return 1 })
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterGaugeFunc("conversations_live", "Conversations with at least one local session.", func() float64 { return 3 })
	m.FrameReceived("read")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `huddle_frames_received_total{type="read"} 1`)
	assert.Contains(t, string(body), "huddle_conversations_live 3")
}
