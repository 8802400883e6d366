package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_SessionLifecycle(t *testing.T) {
	c := New(DefaultConfig())

	c.SessionStarted("tmp-1", "Outgoing")
	c.SessionRekeyed("tmp-1", "CA1")
	c.StateTransition("initializing", "dialing")
	c.SessionStarted("CA2", "Incoming")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsTotal.WithLabelValues("Outgoing")))

	c.SessionTerminated("CA1", "DisconnectedRemote")
	c.SessionDiscarded("CA2")

	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.terminalTotal.WithLabelValues("DisconnectedRemote")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stateTransitions.WithLabelValues("initializing", "dialing")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionDuration), "длительность должна быть записана")
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionStarted("a", "Incoming")
		c.SessionRekeyed("a", "b")
		c.SessionTerminated("b", "Missed")
		c.SessionDiscarded("b")
		c.StateTransition("a", "b")
		c.Admission("incoming", "ok")
		c.Command("answer", "ok")
		c.Event("Ringing")
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Handler(t *testing.T) {
	c := New(DefaultConfig())
	c.Command("answer", "ok")
	c.Admission("incoming", "rejected")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `callbridge_call_commands_total{command="answer",result="ok"} 1`)
	assert.Contains(t, string(body), `callbridge_call_admissions_total{direction="incoming",result="rejected"} 1`)
}
