package noise

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("security.noise")

// Transport Noise 安全传输
type Transport struct {
	id *identity.Identity
}

// New 创建 Noise 安全传输
func New(id *identity.Identity) *Transport {
	return &Transport{id: id}
}

// ID 协议标识
func (t *Transport) ID() types.ProtocolID {
	return protocolids.Noise
}

// SecureInbound 以响应者身份握手
//
// expected 为空时接受任意对端。
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn, expected types.PeerID) (*Conn, error) {
	return t.secure(ctx, conn, expected, false)
}

// SecureOutbound 以发起者身份握手，expected 通常非空
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, expected types.PeerID) (*Conn, error) {
	return t.secure(ctx, conn, expected, true)
}

func (t *Transport) secure(ctx context.Context, conn net.Conn, expected types.PeerID, initiator bool) (*Conn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	res, err := runHandshake(conn, t.id, expected, initiator)

	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		log.Debug("noise 握手失败", "initiator", initiator, "expected", expected.ShortString(), "err", err)
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	log.Debug("noise 握手完成", "initiator", initiator, "remote", res.remotePeer.ShortString())
	return &Conn{
		Conn:         conn,
		sendCS:       res.sendCS,
		recvCS:       res.recvCS,
		localPeer:    t.id.PeerID(),
		remotePeer:   res.remotePeer,
		remotePubKey: res.remotePubKey,
	}, nil
}
