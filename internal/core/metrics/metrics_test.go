package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Relay(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetReservations(3)
	m.ReservationRequest(ResultOK)
	m.ReservationRequest(ResultOK)
	m.ReservationRequest(ResultRefused)
	m.SetCircuits(1)
	m.CircuitRequest(ResultOK)
	m.RelayedBytes(1500)
	m.RelayedBytes(-1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.relayReservations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayReservationRequests.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayReservationRequests.WithLabelValues(ResultRefused)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayCircuits))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.relayBytes))
}

func TestMetrics_Perf(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PerfSession("sender", "direct", 100, 100, 12.5, nil)
	m.PerfSession("sender", "relayed", 40, 0, 0, errors.New("eof"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.perfSessions.WithLabelValues("sender", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.perfSessions.WithLabelValues("sender", ResultError)))
	// 失败会话不计字节
	assert.Equal(t, 100.0, testutil.ToFloat64(m.perfBytes.WithLabelValues("sent")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.perfBandwidth))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetReservations(1)
		m.ReservationRequest(ResultOK)
		m.SetCircuits(1)
		m.CircuitRequest(ResultOK)
		m.RelayedBytes(1)
		m.HolePunchOutcome("initiator", "direct", time.Second)
		m.PerfSession("sender", "direct", 1, 1, 1, nil)
	})
}

func TestExporter_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.HolePunchOutcome("initiator", "direct", 200*time.Millisecond)

	exp := NewExporter("127.0.0.1:0", reg)
	require.NoError(t, exp.Start())
	defer exp.Stop(context.Background())

	resp, err := http.Get("http://" + exp.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `dcutr_holepunch_attempts_total{outcome="direct",role="initiator"} 1`))
}

func TestGatheredValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CircuitRequest(ResultOK)
	m.CircuitRequest(ResultRefused)
	m.HolePunchOutcome("responder", "failed", time.Second)

	assert.Equal(t, 2.0, GatheredValue(t, reg, "dcutr_relay_circuit_requests_total"))
	assert.Equal(t, 1.0, GatheredValue(t, reg, "dcutr_holepunch_duration_seconds"))
	assert.Equal(t, 0.0, GatheredValue(t, reg, "dcutr_missing"))
}
