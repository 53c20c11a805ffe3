package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"

	"github.com/dep2p/dcutr-perf/internal/core/upgrader"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// Stat 连接统计信息
type Stat struct {
	// Direction 连接方向
	Direction types.Direction

	// Relayed 是否经中继
	Relayed bool

	// Opened 建立时间
	Opened time.Time
}

// Conn 已升级的节点连接
type Conn struct {
	host *Host
	uc   *upgrader.Conn

	id         string
	localAddr  ma.Multiaddr
	remoteAddr ma.Multiaddr
	stat       Stat

	closeOnce sync.Once
	closeErr  error
}

func newConn(h *Host, uc *upgrader.Conn, laddr, raddr ma.Multiaddr, stat Stat) *Conn {
	return &Conn{
		host:       h,
		uc:         uc,
		id:         uuid.NewString(),
		localAddr:  laddr,
		remoteAddr: raddr,
		stat:       stat,
	}
}

// ID 连接唯一标识
func (c *Conn) ID() string {
	return c.id
}

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.uc.LocalPeer()
}

// RemotePeer 对端节点 ID（已经过握手认证）
func (c *Conn) RemotePeer() types.PeerID {
	return c.uc.RemotePeer()
}

// LocalMultiaddr 本地地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr {
	return c.localAddr
}

// RemoteMultiaddr 对端地址，中继连接为电路地址
func (c *Conn) RemoteMultiaddr() ma.Multiaddr {
	return c.remoteAddr
}

// Stat 连接统计
func (c *Conn) Stat() Stat {
	return c.stat
}

// IsRelayed 是否为中继连接
func (c *Conn) IsRelayed() bool {
	return c.stat.Relayed
}

// IsClosed 连接是否已关闭
func (c *Conn) IsClosed() bool {
	return c.uc.IsClosed()
}

// Done 连接关闭时关闭的通道
func (c *Conn) Done() <-chan struct{} {
	return c.uc.CloseChan()
}

// NewStream 打开流并协商协议
func (c *Conn) NewStream(ctx context.Context, proto types.ProtocolID) (*Stream, error) {
	ys, err := c.uc.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stream{Stream: ys, conn: c}

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetDeadline(time.Unix(1, 0))
	})
	_, err = mss.SelectOneOf([]string{string(proto)}, s)
	stop()
	if err != nil {
		_ = s.Reset()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("协议 %s 协商失败: %w", proto, err)
	}
	_ = s.SetDeadline(time.Time{})
	s.protocol = proto
	return s, nil
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.uc.Close()
	})
	return c.closeErr
}

// String 便于日志输出
func (c *Conn) String() string {
	kind := "direct"
	if c.stat.Relayed {
		kind = "relayed"
	}
	return fmt.Sprintf("<Conn %s %s %s %s>", c.id[:8], c.RemotePeer().ShortString(), kind, c.remoteAddr)
}
