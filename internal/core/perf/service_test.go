package perf

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/core/relay/client"
	"github.com/dep2p/dcutr-perf/internal/core/relay/server"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

type testNode struct {
	h   *host.Host
	svc *Service
	reg *prometheus.Registry
}

func newNode(t *testing.T, seed uint8, cfg Config) *testNode {
	t.Helper()
	h := host.NewTestHost(t, seed)
	reg := prometheus.NewRegistry()
	svc := New(h, cfg, WithMetrics(metrics.New(reg)))
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Close() })
	return &testNode{h: h, svc: svc, reg: reg}
}

func connect(t *testing.T, a, b *testNode) *host.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.h.Connect(ctx, host.TestAddr(t, b.h))
	require.NoError(t, err)
	return conn
}

func TestService_RunDirect(t *testing.T) {
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, DefaultConfig())
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 4 << 20
	res, err := a.svc.Run(ctx, b.h.ID(), n)
	require.NoError(t, err)
	assert.Equal(t, PathDirect, res.Path)
	assert.Equal(t, b.h.ID(), res.Peer)
	assert.EqualValues(t, n, res.Received)
	assert.Positive(t, res.Bandwidth())

	require.Len(t, a.svc.Results(), 1)
	assert.Eventually(t, func() bool {
		rs := b.svc.Results()
		return len(rs) == 1 && rs[0].Peer == a.h.ID() && rs[0].Role == RoleReceiver
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1.0, metrics.GatheredValue(t, a.reg, "dcutr_perf_sessions_total"))
	assert.Equal(t, float64(2*n), metrics.GatheredValue(t, a.reg, "dcutr_perf_bytes_total"))
	assert.Equal(t, 1.0, metrics.GatheredValue(t, a.reg, "dcutr_perf_bandwidth_mbps"))
}

func TestService_SequentialSessions(t *testing.T) {
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, DefaultConfig())
	conn := connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := a.svc.RunOn(ctx, conn, 64*1024)
		require.NoError(t, err)
	}
	assert.Len(t, a.svc.Results(), 3)
}

func TestService_RunRelayed(t *testing.T) {
	rh := host.NewTestHost(t, 100)
	scfg := server.DefaultConfig()
	scfg.ReserveRate = 0
	srv, err := server.New(rh, scfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, DefaultConfig())
	for _, n := range []*testNode{a, b} {
		rc := client.New(n.h, client.DefaultConfig())
		require.NoError(t, rc.Start())
		t.Cleanup(func() { _ = rc.Close() })
		if n == b {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := rc.Reserve(ctx, host.TestAddr(t, rh))
			cancel()
			require.NoError(t, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, err := types.CircuitAddr(host.TestAddr(t, rh), b.h.ID())
	require.NoError(t, err)

	conn, err := a.h.Connect(ctx, addr)
	require.NoError(t, err)
	require.True(t, conn.IsRelayed())

	res, err := a.svc.Run(ctx, b.h.ID(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, PathRelayed, res.Path)
	assert.EqualValues(t, 1<<20, res.Received)
}

func TestService_NoConnection(t *testing.T) {
	a := newNode(t, 1, DefaultConfig())
	b := host.NewTestHost(t, 2)

	_, err := a.svc.Run(context.Background(), b.ID(), 10)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestService_ReceiverRejectsOversized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = 1024
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, cfg)
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.svc.Run(ctx, b.h.ID(), 4096)
	require.Error(t, err)
	assert.Empty(t, a.svc.Results())
	assert.Equal(t, 1.0, metrics.GatheredValue(t, a.reg, "dcutr_perf_sessions_total"))
	assert.Zero(t, metrics.GatheredValue(t, a.reg, "dcutr_perf_bandwidth_mbps"))
}

func TestService_Closed(t *testing.T) {
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, DefaultConfig())
	conn := connect(t, a, b)

	require.NoError(t, a.svc.Close())
	require.NoError(t, a.svc.Close())
	assert.ErrorIs(t, a.svc.Start(), ErrServiceClosed)

	_, err := a.svc.RunOn(context.Background(), conn, 10)
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestService_TenMillionBytes(t *testing.T) {
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, DefaultConfig())
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 10_000_000
	res, err := a.svc.Run(ctx, b.h.ID(), n)
	require.NoError(t, err)
	assert.EqualValues(t, n, res.Sent)
	assert.EqualValues(t, n, res.Received)

	var recv *Result
	require.Eventually(t, func() bool {
		rs := b.svc.Results()
		if len(rs) != 1 {
			return false
		}
		recv = rs[0]
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, RoleReceiver, recv.Role)
	assert.EqualValues(t, n, recv.Bytes)
	assert.EqualValues(t, n, recv.Received)
	assert.EqualValues(t, n, recv.Sent)
	assert.Equal(t, res.Path, recv.Path)

	// 接收方收齐全部负载后才回显，发送方的首字节晚于接收方的读完时刻
	assert.False(t, recv.Start.Before(res.Start))
	readDone := recv.Start.Add(recv.Upload)
	firstEcho := res.Start.Add(res.Upload)
	assert.False(t, firstEcho.Before(readDone))
	assert.GreaterOrEqual(t, res.Upload, recv.Upload)
	assert.Positive(t, res.Bandwidth())
	assert.Positive(t, recv.Bandwidth())
}

func TestService_SessionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	a := newNode(t, 1, DefaultConfig())
	b := newNode(t, 2, cfg)
	conn := connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 只发请求头，占住接收方唯一的会话
	held, err := conn.NewStream(ctx, protocolids.Perf)
	require.NoError(t, err)
	_, err = held.Write(header(1024))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := a.svc.RunOn(ctx, conn, 16)
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, held.Reset())
	assert.Eventually(t, func() bool {
		_, err := a.svc.RunOn(ctx, conn, 16)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
