package upgrader

import (
	"context"
	"fmt"
	"net"

	lyamux "github.com/libp2p/go-yamux/v5"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/internal/core/muxer/yamux"
	"github.com/dep2p/dcutr-perf/internal/core/security/noise"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("upgrader")

// Upgrader 连接升级器
type Upgrader struct {
	security *noise.Transport
	muxCfg   *lyamux.Config
}

// New 创建连接升级器
func New(id *identity.Identity) *Upgrader {
	return &Upgrader{
		security: noise.New(id),
		muxCfg:   yamux.DefaultConfig(),
	}
}

// Conn 升级后的连接
type Conn struct {
	*yamux.Muxer

	secure *noise.Conn
}

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.secure.LocalPeer()
}

// RemotePeer 经握手认证的对端节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.secure.RemotePeer()
}

// Underlying 安全层之下的原始连接
func (c *Conn) Underlying() net.Conn {
	return c.secure.Conn
}

// Upgrade 升级连接
//
// 失败时 raw 会被关闭。
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, isServer bool, expected types.PeerID) (*Conn, error) {
	if !isServer && expected.IsEmpty() {
		raw.Close()
		return nil, ErrNoPeerID
	}

	proto, err := negotiate(ctx, raw, isServer, string(u.security.ID()))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("security negotiation: %w", err)
	}
	if proto != string(u.security.ID()) {
		raw.Close()
		return nil, fmt.Errorf("%w: %s", ErrNegotiationFailed, proto)
	}

	var sc *noise.Conn
	if isServer {
		sc, err = u.security.SecureInbound(ctx, raw, expected)
	} else {
		sc, err = u.security.SecureOutbound(ctx, raw, expected)
	}
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("security handshake: %w", err)
	}

	proto, err = negotiate(ctx, sc, isServer, string(protocolids.Yamux))
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("muxer negotiation: %w", err)
	}
	if proto != string(protocolids.Yamux) {
		sc.Close()
		return nil, fmt.Errorf("%w: %s", ErrNegotiationFailed, proto)
	}

	if err := ctx.Err(); err != nil {
		sc.Close()
		return nil, err
	}
	m, err := yamux.NewMuxer(sc, isServer, u.muxCfg)
	if err != nil {
		sc.Close()
		return nil, err
	}

	log.Debug("连接升级成功", "remote", sc.RemotePeer().ShortString(), "server", isServer)
	return &Conn{Muxer: m, secure: sc}, nil
}
