package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dcutr"

// 结果标签取值
const (
	ResultOK       = "ok"
	ResultRefused  = "refused"
	ResultError    = "error"
	ResultReplaced = "replaced"
)

// Metrics 全部指标采集器
type Metrics struct {
	relayReservations        prometheus.Gauge
	relayReservationRequests *prometheus.CounterVec
	relayCircuits            prometheus.Gauge
	relayCircuitRequests     *prometheus.CounterVec
	relayBytes               prometheus.Counter

	holePunchAttempts *prometheus.CounterVec
	holePunchDuration *prometheus.HistogramVec

	perfSessions  *prometheus.CounterVec
	perfBytes     *prometheus.CounterVec
	perfBandwidth *prometheus.HistogramVec
}

// New 创建并注册全部采集器
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		relayReservations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_reservations",
			Help:      "Number of active relay reservations.",
		}),
		relayReservationRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reservation_requests_total",
			Help:      "Number of reservation requests by result.",
		}, []string{"result"}),
		relayCircuits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_circuits",
			Help:      "Number of active relayed circuits.",
		}),
		relayCircuitRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_circuit_requests_total",
			Help:      "Number of dial-through requests by result.",
		}, []string{"result"}),
		relayBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes forwarded across all circuits, both directions.",
		}),
		holePunchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holepunch_attempts_total",
			Help:      "Hole punch attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		holePunchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "holepunch_duration_seconds",
			Help:      "Time from attempt start to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		perfSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perf_sessions_total",
			Help:      "Benchmark sessions by role and result.",
		}, []string{"role", "result"}),
		perfBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perf_bytes_total",
			Help:      "Benchmark payload bytes by direction.",
		}, []string{"direction"}),
		perfBandwidth: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "perf_bandwidth_mbps",
			Help:      "Round trip bandwidth of completed sessions.",
			Buckets: []float64{
				.1, .25, .5, 1, 2.5, 5,
				10, 25, 50, 100, 250, 500,
				1000, 2500, 5000, 10000},
		}, []string{"role", "path"}),
	}
}

// ============================================================================
//                              中继
// ============================================================================

// SetReservations 设置活跃预约数
func (m *Metrics) SetReservations(n int) {
	if m == nil {
		return
	}
	m.relayReservations.Set(float64(n))
}

// ReservationRequest 记录一次预约请求
func (m *Metrics) ReservationRequest(result string) {
	if m == nil {
		return
	}
	m.relayReservationRequests.WithLabelValues(result).Inc()
}

// SetCircuits 设置活跃电路数
func (m *Metrics) SetCircuits(n int) {
	if m == nil {
		return
	}
	m.relayCircuits.Set(float64(n))
}

// CircuitRequest 记录一次经中继拨号请求
func (m *Metrics) CircuitRequest(result string) {
	if m == nil {
		return
	}
	m.relayCircuitRequests.WithLabelValues(result).Inc()
}

// RelayedBytes 累加转发字节数
func (m *Metrics) RelayedBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytes.Add(float64(n))
}

// ============================================================================
//                              打洞
// ============================================================================

// HolePunchOutcome 记录一次打洞结果
func (m *Metrics) HolePunchOutcome(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.holePunchAttempts.WithLabelValues(role, outcome).Inc()
	m.holePunchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ============================================================================
//                              测速
// ============================================================================

// PerfSession 记录一次测速会话
//
// 只有成功的会话记录带宽，失败会话的部分字节数不计入。
func (m *Metrics) PerfSession(role, path string, sent, received uint64, mbps float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.perfSessions.WithLabelValues(role, ResultError).Inc()
		return
	}
	m.perfSessions.WithLabelValues(role, ResultOK).Inc()
	m.perfBytes.WithLabelValues("sent").Add(float64(sent))
	m.perfBytes.WithLabelValues("received").Add(float64(received))
	m.perfBandwidth.WithLabelValues(role, path).Observe(mbps)
}
