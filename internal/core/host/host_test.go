package host

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

const echoProto types.ProtocolID = "/test/echo/1.0.0"

func echoHandler(s *Stream) {
	_, _ = io.Copy(s, s)
	_ = s.CloseWrite()
}

func TestHost_ConnectAndStream(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)
	b.SetStreamHandler(echoProto, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := a.Connect(ctx, TestAddr(t, b))
	require.NoError(t, err)
	assert.Equal(t, b.ID(), c.RemotePeer())
	assert.Equal(t, a.ID(), c.LocalPeer())
	assert.False(t, c.IsRelayed())
	assert.Equal(t, types.DirOutbound, c.Stat().Direction)

	s, err := a.NewStream(ctx, b.ID(), echoProto)
	require.NoError(t, err)
	assert.Equal(t, echoProto, s.Protocol())

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// 对端也应记录入站连接
	require.Eventually(t, func() bool {
		bc := b.BestConn(a.ID())
		return bc != nil && bc.Stat().Direction == types.DirInbound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHost_ConnectReusesDirectConn(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)

	ctx := context.Background()
	c1, err := a.Connect(ctx, TestAddr(t, b))
	require.NoError(t, err)
	c2, err := a.Connect(ctx, TestAddr(t, b))
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.Len(t, a.ConnsToPeer(b.ID()), 1)
}

func TestHost_UnsupportedProtocol(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.Connect(ctx, TestAddr(t, b))
	require.NoError(t, err)

	_, err = a.NewStream(ctx, b.ID(), "/test/missing/1.0.0")
	assert.Error(t, err)
}

func TestHost_WrongPeerID(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)
	c := NewTestHost(t, 3)

	// b 的地址配上 c 的身份
	addr, err := types.WithPeer(b.ListenAddrs()[0], c.ID())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Connect(ctx, addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIdentityMismatch)
	assert.Empty(t, a.ConnsToPeer(c.ID()))
}

func TestHost_DialErrors(t *testing.T) {
	a := NewTestHost(t, 1)
	ctx := context.Background()

	_, err := a.Connect(ctx, TestAddr(t, a))
	assert.ErrorIs(t, err, ErrDialSelf)

	_, err = a.Connect(ctx, a.ListenAddrs()[0])
	assert.ErrorIs(t, err, types.ErrMissingPeerID)

	circuit := ma.StringCast("/ip4/127.0.0.1/tcp/1/p2p/" + a.ID().String() + "/p2p-circuit/p2p/" + a.ID().String())
	_, err = a.Connect(ctx, circuit)
	assert.ErrorIs(t, err, ErrNoCircuitDialer)

	_, err = a.NewStream(ctx, "missing", echoProto)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestHost_Notify(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)

	connected := make(chan *Conn, 4)
	disconnected := make(chan *Conn, 4)
	a.Notify(&NotifyBundle{
		ConnectedF:    func(c *Conn) { connected <- c },
		DisconnectedF: func(c *Conn) { disconnected <- c },
	})

	c, err := a.Connect(context.Background(), TestAddr(t, b))
	require.NoError(t, err)

	select {
	case got := <-connected:
		assert.Equal(t, c.ID(), got.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("未收到 Connected 通知")
	}

	require.NoError(t, c.Close())
	select {
	case got := <-disconnected:
		assert.Equal(t, c.ID(), got.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("未收到 Disconnected 通知")
	}
	assert.Nil(t, a.BestConn(b.ID()))
}

func TestHost_BestConnPrefersDirect(t *testing.T) {
	h := &Host{conns: make(map[types.PeerID][]*Conn)}
	now := time.Now()
	relayed := &Conn{id: "relayed", stat: Stat{Relayed: true, Opened: now.Add(time.Second)}}
	direct := &Conn{id: "direct", stat: Stat{Opened: now}}
	h.conns["p"] = []*Conn{relayed, direct}

	assert.Equal(t, "direct", h.BestConn("p").ID())
}

func TestHost_CloseIsIdempotent(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)
	addr := TestAddr(t, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Connect(context.Background(), addr)
	assert.ErrorIs(t, err, ErrHostClosed)
}

func TestHost_ExpectInboundRole(t *testing.T) {
	a := NewTestHost(t, 1)
	b := NewTestHost(t, 2)
	b.SetStreamHandler(echoProto, echoHandler)

	// a 以服务端角色拨号，b 的入站连接须以客户端角色配对
	cancelExpect := b.ExpectInbound(a.ListenAddrs()[0], a.ID(), false)
	defer cancelExpect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := a.DialDirect(ctx, b.ID(), b.ListenAddrs()[0], true)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), c.RemotePeer())

	s, err := c.NewStream(ctx, echoProto)
	require.NoError(t, err)
	_, err = s.Write([]byte("role"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "role", string(got))
}

func TestHost_ExpectInboundCancel(t *testing.T) {
	h := NewTestHost(t, 1)
	addr := ma.StringCast("/ip4/127.0.0.1/tcp/4001")

	first := h.ExpectInbound(addr, "p1", false)
	second := h.ExpectInbound(addr, "p2", true)

	// 旧的撤销函数不影响新约定
	first()
	e := h.expectation(addr)
	require.NotNil(t, e)
	assert.Equal(t, types.PeerID("p2"), e.peer)

	second()
	assert.Nil(t, h.expectation(addr))
}
