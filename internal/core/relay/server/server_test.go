package server

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/pkg/lib/msgio"
	relaypb "github.com/dep2p/dcutr-perf/pkg/lib/proto/relay"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
//                              测试辅助
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReserveRate = 0
	cfg.GracePeriod = 300 * time.Millisecond
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

func newRelay(t *testing.T, cfg Config, opts ...Option) (*host.Host, *Server) {
	t.Helper()
	h := host.NewTestHost(t, 100)
	s, err := New(h, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return h, s
}

func connect(t *testing.T, h, relay *host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Connect(ctx, host.TestAddr(t, relay))
	require.NoError(t, err)
}

func hop(t *testing.T, h *host.Host, relay types.PeerID, req *relaypb.HopMessage) (*relaypb.HopMessage, *host.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.NewStream(ctx, relay, protocolids.RelayHop)
	require.NoError(t, err)
	require.NoError(t, msgio.WriteProto(st, req))

	var resp relaypb.HopMessage
	require.NoError(t, msgio.ReadProto(st, &resp, maxMessageSize))
	require.Equal(t, relaypb.HopStatus, resp.Type)
	return &resp, st
}

func reserve(t *testing.T, h *host.Host, relay types.PeerID) *relaypb.HopMessage {
	t.Helper()
	resp, st := hop(t, h, relay, &relaypb.HopMessage{Type: relaypb.HopReserve})
	_ = st.Close()
	return resp
}

func dialThrough(t *testing.T, h *host.Host, relay, target types.PeerID) (relaypb.Status, *host.Stream) {
	t.Helper()
	resp, st := hop(t, h, relay, &relaypb.HopMessage{
		Type: relaypb.HopConnect,
		Peer: &relaypb.Peer{ID: target.Bytes()},
	})
	return resp.Status, st
}

// acceptStop 注册 STOP 处理器，接受电路后执行 serve
func acceptStop(h *host.Host, serve func(s *host.Stream)) {
	h.SetStreamHandler(protocolids.RelayStop, func(s *host.Stream) {
		var req relaypb.StopMessage
		if err := msgio.ReadProto(s, &req, maxMessageSize); err != nil {
			_ = s.Reset()
			return
		}
		if err := msgio.WriteProto(s, &relaypb.StopMessage{Type: relaypb.StopStatus, Status: relaypb.StatusOK}); err != nil {
			_ = s.Reset()
			return
		}
		serve(s)
	})
}

func echo(s *host.Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = s.CloseWrite()
			return
		}
	}
}

// ============================================================================
//                              预约
// ============================================================================

func TestServer_Reserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rh, s := newRelay(t, testConfig(), WithMetrics(m))
	b := host.NewTestHost(t, 2)
	connect(t, b, rh)

	resp := reserve(t, b, rh.ID())
	require.Equal(t, relaypb.StatusOK, resp.Status)
	require.NotNil(t, resp.Reservation)
	assert.NotEmpty(t, resp.Reservation.Addrs)
	assert.Greater(t, int64(resp.Reservation.Expire), time.Now().Unix())

	r, ok := s.Reservations().Lookup(b.ID())
	require.True(t, ok)
	assert.Equal(t, rh.ConnsToPeer(b.ID())[0].ID(), r.ConnID)

	// 重复预约替换旧预约
	resp = reserve(t, b, rh.ID())
	assert.Equal(t, relaypb.StatusOK, resp.Status)
	assert.Equal(t, 1, s.Reservations().Len())

	assert.Equal(t, 1.0, metrics.GatheredValue(t, reg, "dcutr_relay_reservations"))
}

func TestServer_ReserveCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReservations = 1
	rh, _ := newRelay(t, cfg)
	b := host.NewTestHost(t, 2)
	c := host.NewTestHost(t, 3)
	connect(t, b, rh)
	connect(t, c, rh)

	assert.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)
	resp := reserve(t, c, rh.ID())
	assert.Equal(t, relaypb.StatusResourceLimitExceeded, resp.Status)
	assert.ErrorIs(t, resp.Status.Err(), types.ErrCapacityExceeded)
}

func TestServer_ReserveRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveRate = 0.001
	rh, _ := newRelay(t, cfg, WithClock(clock.NewMock()))
	b := host.NewTestHost(t, 2)
	connect(t, b, rh)

	for i := 0; i < reserveBurst; i++ {
		require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)
	}
	assert.Equal(t, relaypb.StatusResourceLimitExceeded, reserve(t, b, rh.ID()).Status)
}

func TestServer_ReservationExpires(t *testing.T) {
	clk := clock.NewMock()
	rh, s := newRelay(t, testConfig(), WithClock(clk))
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)
	acceptStop(b, echo)

	resp, st := hop(t, b, rh.ID(), &relaypb.HopMessage{Type: relaypb.HopReserve, TTLSeconds: 60})
	_ = st.Close()
	require.Equal(t, relaypb.StatusOK, resp.Status)
	assert.Equal(t, uint64(clk.Now().Add(60*time.Second).Unix()), resp.Reservation.Expire)

	clk.Add(61 * time.Second)
	_, ok := s.Reservations().Lookup(b.ID())
	assert.False(t, ok)

	status, st := dialThrough(t, a, rh.ID(), b.ID())
	_ = st.Close()
	assert.Equal(t, relaypb.StatusNoReservation, status)
}

func TestServer_EvictOnDisconnect(t *testing.T) {
	rh, s := newRelay(t, testConfig())
	b := host.NewTestHost(t, 2)
	connect(t, b, rh)
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	require.NoError(t, b.ClosePeer(rh.ID()))
	require.Eventually(t, func() bool {
		_, ok := s.Reservations().Lookup(b.ID())
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

// ============================================================================
//                              电路
// ============================================================================

func TestServer_ConnectWithoutReservation(t *testing.T) {
	rh, _ := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)

	status, st := dialThrough(t, a, rh.ID(), b.ID())
	defer st.Close()
	assert.Equal(t, relaypb.StatusNoReservation, status)
	assert.ErrorIs(t, status.Err(), types.ErrNoReservation)
}

func TestServer_CircuitEcho(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rh, s := newRelay(t, testConfig(), WithMetrics(m))
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)
	acceptStop(b, echo)
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	start := time.Now()
	status, st := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)
	assert.Less(t, time.Since(start), 2*time.Second)

	c, ok := s.Circuit(a.ID(), b.ID())
	require.True(t, ok)
	assert.Equal(t, a.ID(), c.Dialer)
	assert.Equal(t, b.ID(), c.Target)

	payload := []byte("hello through the relay")
	_, err := st.Write(payload)
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())

	got, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit not torn down")
	}
	toTarget, toDialer := c.BytesForwarded()
	assert.Equal(t, int64(len(payload)), toTarget)
	assert.Equal(t, int64(len(payload)), toDialer)
	assert.Equal(t, float64(2*len(payload)), metrics.GatheredValue(t, reg, "dcutr_relay_bytes_total"))
	assert.Equal(t, 1.0, metrics.GatheredValue(t, reg, "dcutr_relay_circuit_requests_total"))

	require.Eventually(t, func() bool { return s.Circuits() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestServer_CircuitClosedWithinGracePeriod(t *testing.T) {
	rh, s := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)

	// 目标侧读完后既不写也不关闭
	released := make(chan struct{})
	t.Cleanup(func() { close(released) })
	acceptStop(b, func(st *host.Stream) {
		_, _ = io.Copy(io.Discard, st)
		<-released
	})
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	status, st := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)
	c, ok := s.Circuit(a.ID(), b.ID())
	require.True(t, ok)

	require.NoError(t, st.CloseWrite())
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("circuit outlived the grace period")
	}
	assert.Equal(t, 0, s.Circuits())
}

func TestServer_CircuitClosedOnConnLoss(t *testing.T) {
	rh, s := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)

	targetDone := make(chan struct{})
	acceptStop(b, func(st *host.Stream) {
		defer close(targetDone)
		_, _ = io.Copy(io.Discard, st)
	})
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	status, _ := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)

	require.NoError(t, a.ClosePeer(rh.ID()))
	select {
	case <-targetDone:
	case <-time.After(3 * time.Second):
		t.Fatal("target leg not closed after dialer connection loss")
	}
	require.Eventually(t, func() bool { return s.Circuits() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestServer_CircuitReplacedForSamePair(t *testing.T) {
	rh, s := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)
	acceptStop(b, echo)
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	status, st1 := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)
	first, ok := s.Circuit(a.ID(), b.ID())
	require.True(t, ok)

	status, st2 := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)
	defer st2.Close()

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("old circuit not replaced")
	}
	_, _ = io.ReadAll(st1)
	assert.Equal(t, 1, s.Circuits())

	second, ok := s.Circuit(a.ID(), b.ID())
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestServer_CircuitLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCircuits = 1
	rh, _ := newRelay(t, cfg)
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	c := host.NewTestHost(t, 3)
	connect(t, a, rh)
	connect(t, b, rh)
	connect(t, c, rh)
	acceptStop(b, echo)
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	status, st := dialThrough(t, a, rh.ID(), b.ID())
	require.Equal(t, relaypb.StatusOK, status)
	defer st.Close()

	status, st2 := dialThrough(t, c, rh.ID(), b.ID())
	defer st2.Close()
	assert.Equal(t, relaypb.StatusResourceLimitExceeded, status)
}

func TestServer_StopRefused(t *testing.T) {
	rh, _ := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	connect(t, a, rh)
	connect(t, b, rh)
	// 目标未注册 STOP 处理器
	require.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)

	status, st := dialThrough(t, a, rh.ID(), b.ID())
	defer st.Close()
	assert.Equal(t, relaypb.StatusConnectionFailed, status)
}

// ============================================================================
//                              格式错误
// ============================================================================

func TestServer_MalformedMessageDropsConn(t *testing.T) {
	rh, _ := newRelay(t, testConfig())
	a := host.NewTestHost(t, 1)
	connect(t, a, rh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.NewStream(ctx, rh.ID(), protocolids.RelayHop)
	require.NoError(t, err)
	require.NoError(t, msgio.WriteMsg(st, []byte{0xff, 0xff, 0xff}))

	var resp relaypb.HopMessage
	require.NoError(t, msgio.ReadProto(st, &resp, maxMessageSize))
	assert.Equal(t, relaypb.StatusMalformedMessage, resp.Status)

	require.Eventually(t, func() bool {
		return len(a.ConnsToPeer(rh.ID())) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// 中继继续为其他节点服务
	b := host.NewTestHost(t, 2)
	connect(t, b, rh)
	assert.Equal(t, relaypb.StatusOK, reserve(t, b, rh.ID()).Status)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	_, s := newRelay(t, testConfig())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(), ErrServerClosed)
	_, err := s.Reserve(peerN(1), time.Minute, "c")
	assert.ErrorIs(t, err, ErrServerClosed)
}
