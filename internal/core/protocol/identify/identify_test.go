package identify

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
)

func newService(t *testing.T, h *host.Host) *Service {
	t.Helper()
	svc, err := New(h, Config{Timeout: 5 * time.Second, CacheSize: 8})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc
}

func TestIdentify_LearnsObservedAddr(t *testing.T) {
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	sa := newService(t, a)
	newService(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := a.Connect(ctx, host.TestAddr(t, b))
	require.NoError(t, err)

	select {
	case <-sa.IdentifyWait(c):
	case <-ctx.Done():
		t.Fatal("identify 未完成")
	}

	obs := sa.ObservedAddrs()
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Equal(c.LocalMultiaddr()), "observed %s, local %s", obs[0], c.LocalMultiaddr())
}

func TestIdentify_ExplicitCall(t *testing.T) {
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	sa := newService(t, a)
	newService(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := a.Connect(ctx, host.TestAddr(t, b))
	require.NoError(t, err)

	info, err := sa.IdentifyConn(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), info.PeerID)
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
	assert.Contains(t, info.Protocols, protocolids.Identify)
	assert.NotEmpty(t, info.ListenAddrs)
}

func TestIdentifyWait_InboundConnClosedImmediately(t *testing.T) {
	a := host.NewTestHost(t, 1)
	b := host.NewTestHost(t, 2)
	newService(t, a)
	sb := newService(t, b)

	_, err := a.Connect(context.Background(), host.TestAddr(t, b))
	require.NoError(t, err)

	var inbound *host.Conn
	require.Eventually(t, func() bool {
		inbound = b.BestConn(a.ID())
		return inbound != nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-sb.IdentifyWait(inbound):
	default:
		t.Fatal("入站连接不应等待 identify")
	}
}

func TestObservedAddrs_OrderedByCount(t *testing.T) {
	a := host.NewTestHost(t, 1)
	svc := newService(t, a)

	x := ma.StringCast("/ip4/1.2.3.4/tcp/4001")
	y := ma.StringCast("/ip4/5.6.7.8/tcp/4001")
	svc.recordObservation(x)
	svc.recordObservation(y)
	svc.recordObservation(y)

	got := svc.ObservedAddrs()
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(y))
	assert.True(t, got[1].Equal(x))
}
