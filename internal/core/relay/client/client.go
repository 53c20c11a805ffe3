package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/lib/msgio"
	relaypb "github.com/dep2p/dcutr-perf/pkg/lib/proto/relay"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("relay.client")

const (
	maxMessageSize = 4096

	// minRefreshInterval 续约与重试的最短间隔
	minRefreshInterval = 5 * time.Second
)

// Config 客户端配置
type Config struct {
	// ReservationTTL 请求的预约有效期
	ReservationTTL time.Duration

	// ConnectTimeout 预约与经中继拨号的超时
	ConnectTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ReservationTTL: time.Hour,
		ConnectTimeout: 15 * time.Second,
	}
}

// Reservation 本节点在某个中继上的预约
type Reservation struct {
	// Relay 中继 ID
	Relay types.PeerID

	// RelayAddr 中继地址，带 /p2p/<relayID>
	RelayAddr ma.Multiaddr

	// Expires 过期时间
	Expires time.Time

	// Addrs 本节点经该中继的可拨号地址 <relay>/p2p-circuit/p2p/<self>
	Addrs []ma.Multiaddr

	// LimitDuration 中继对单个电路的时长限制，0 表示不限制
	LimitDuration time.Duration

	// LimitData 中继对单个电路的字节限制，0 表示不限制
	LimitData uint64

	conn *host.Conn
}

// Option 客户端选项
type Option func(*Client)

// WithClock 替换时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// Client 中继客户端
type Client struct {
	host  *host.Host
	cfg   Config
	clock clock.Clock

	mu           sync.RWMutex
	reservations map[types.PeerID]*Reservation

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

var _ host.CircuitDialer = (*Client)(nil)

// New 创建客户端
func New(h *host.Host, cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		host:         h,
		cfg:          cfg,
		clock:        clock.New(),
		reservations: make(map[types.PeerID]*Reservation),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 注册 STOP 处理器并接管电路地址拨号
func (c *Client) Start() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.host.SetStreamHandler(protocolids.RelayStop, c.handleStop)
	c.host.SetCircuitDialer(c)
	return nil
}

// Close 停止续约
//
// 已建立的中继连接由主机管理，不随客户端关闭。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.host.RemoveStreamHandler(protocolids.RelayStop)
	c.host.SetCircuitDialer(nil)
	c.cancel()
	c.wg.Wait()
	return nil
}

// Reservation 查询在指定中继上的预约
func (c *Client) Reservation(relay types.PeerID) (*Reservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reservations[relay]
	if !ok || !c.clock.Now().Before(r.Expires) {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// ============================================================================
//                              预约
// ============================================================================

// Reserve 在 relayAddr 指定的中继上预约
func (c *Client) Reserve(ctx context.Context, relayAddr ma.Multiaddr) (*Reservation, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	relayID, _, err := types.SplitPeer(relayAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.host.Connect(ctx, relayAddr)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", relayID.ShortString(), err)
	}

	resp, err := c.hop(ctx, conn, &relaypb.HopMessage{
		Type:       relaypb.HopReserve,
		TTLSeconds: uint64(c.cfg.ReservationTTL / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("reserve on %s: %w", relayID.ShortString(), err)
	}
	if resp.Reservation == nil {
		return nil, fmt.Errorf("reserve on %s: %w: status without reservation", relayID.ShortString(), ErrUnexpectedMessage)
	}

	r := &Reservation{
		Relay:     relayID,
		RelayAddr: relayAddr,
		Expires:   time.Unix(int64(resp.Reservation.Expire), 0),
		conn:      conn,
	}
	if resp.Limit != nil {
		r.LimitDuration = time.Duration(resp.Limit.Duration) * time.Second
		r.LimitData = resp.Limit.Data
	}
	r.Addrs = circuitAddrs(relayAddr, resp.Reservation.Addrs, c.host.ID())

	c.mu.Lock()
	c.reservations[relayID] = r
	c.mu.Unlock()

	cp := *r
	log.Info("中继预约成功",
		"relay", relayID.ShortString(),
		"expires", r.Expires.Format(time.RFC3339),
		"addrs", r.Addrs)
	return &cp, nil
}

// circuitAddrs 由中继通告的地址构造本节点的电路地址
//
// 中继通告的地址为空时退回到拨号用的中继地址。
func circuitAddrs(relayAddr ma.Multiaddr, advertised [][]byte, self types.PeerID) []ma.Multiaddr {
	relays := []ma.Multiaddr{relayAddr}
	for _, b := range advertised {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil || a.Equal(relayAddr) {
			continue
		}
		relays = append(relays, a)
	}

	out := make([]ma.Multiaddr, 0, len(relays))
	for _, r := range relays {
		a, err := types.CircuitAddr(r, self)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// KeepReserved 保持预约直到 ctx 取消
//
// 在剩余有效期的 3/4 处续约；控制连接断开或续约失败时在
// minRefreshInterval 后重试。首次预约失败直接返回错误。
func (c *Client) KeepReserved(ctx context.Context, relayAddr ma.Multiaddr) error {
	r, err := c.Reserve(ctx, relayAddr)
	if err != nil {
		return err
	}

	if c.closed.Load() {
		return ErrClientClosed
	}
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		wait := c.refreshDelay(r)
		timer := c.clock.Timer(wait)

		var lost <-chan struct{}
		if r != nil && r.conn != nil {
			lost = r.conn.Done()
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.ctx.Done():
			timer.Stop()
			return ErrClientClosed
		case <-lost:
			timer.Stop()
			log.Warn("中继控制连接断开，重新预约", "relay", r.Relay.ShortString())
			if err := c.sleep(ctx, minRefreshInterval); err != nil {
				return err
			}
		case <-timer.C:
		}

		next, err := c.Reserve(ctx, relayAddr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("续约失败", "err", err)
			r = nil
			continue
		}
		r = next
	}
}

// refreshDelay 下次续约前的等待时间，r 为 nil 表示上次失败
func (c *Client) refreshDelay(r *Reservation) time.Duration {
	if r == nil {
		return minRefreshInterval
	}
	d := r.Expires.Sub(c.clock.Now()) * 3 / 4
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	case <-timer.C:
		return nil
	}
}

// ============================================================================
//                              经中继拨号
// ============================================================================

// DialThrough 经中继拨号 <relay>/p2p-circuit/p2p/<target>
//
// 返回的连接已完成端到端升级，对端身份等于 target。
func (c *Client) DialThrough(ctx context.Context, addr ma.Multiaddr) (*host.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	relayAddr, relayID, target, err := types.SplitCircuit(addr)
	if err != nil {
		return nil, err
	}
	if target == c.host.ID() {
		return nil, host.ErrDialSelf
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.host.Connect(ctx, relayAddr)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", relayID.ShortString(), err)
	}

	st, err := conn.NewStream(ctx, protocolids.RelayHop)
	if err != nil {
		return nil, err
	}
	if err := c.exchange(ctx, st, &relaypb.HopMessage{
		Type: relaypb.HopConnect,
		Peer: &relaypb.Peer{ID: target.Bytes()},
	}); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("dial %s via %s: %w", target.ShortString(), relayID.ShortString(), err)
	}

	laddr, err := types.CircuitAddr(relayAddr, c.host.ID())
	if err != nil {
		_ = st.Reset()
		return nil, err
	}
	rc, err := c.host.AddRelayedConn(ctx, st, types.DirOutbound, target, laddr, addr)
	if err != nil {
		return nil, fmt.Errorf("upgrade relayed conn to %s: %w", target.ShortString(), err)
	}
	log.Info("经中继连接已建立", "peer", target.ShortString(), "relay", relayID.ShortString())
	return rc, nil
}

// DialCircuit 实现 host.CircuitDialer
func (c *Client) DialCircuit(ctx context.Context, addr ma.Multiaddr) (*host.Conn, error) {
	return c.DialThrough(ctx, addr)
}

// hop 打开 HOP 流发送请求，返回 OK 状态的应答
func (c *Client) hop(ctx context.Context, conn *host.Conn, req *relaypb.HopMessage) (*relaypb.HopMessage, error) {
	st, err := conn.NewStream(ctx, protocolids.RelayHop)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var resp relaypb.HopMessage
	if err := c.roundTrip(ctx, st, req, &resp); err != nil {
		_ = st.Reset()
		return nil, err
	}
	return &resp, nil
}

// exchange 在已打开的 HOP 流上完成一次请求应答，流保持打开
func (c *Client) exchange(ctx context.Context, st *host.Stream, req *relaypb.HopMessage) error {
	var resp relaypb.HopMessage
	return c.roundTrip(ctx, st, req, &resp)
}

func (c *Client) roundTrip(ctx context.Context, st *host.Stream, req, resp *relaypb.HopMessage) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = st.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := msgio.WriteProto(st, req); err != nil {
		return err
	}
	if err := msgio.ReadProto(st, resp, maxMessageSize); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	if resp.Type != relaypb.HopStatus {
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, resp.Type)
	}
	if err := resp.Status.Err(); err != nil {
		return err
	}
	_ = st.SetDeadline(time.Time{})
	return nil
}

// ============================================================================
//                              STOP 协议
// ============================================================================

// handleStop 接受中继转来的电路
func (c *Client) handleStop(st *host.Stream) {
	relayID := st.Conn().RemotePeer()
	_ = st.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))

	var req relaypb.StopMessage
	if err := msgio.ReadProto(st, &req, maxMessageSize); err != nil {
		log.Debug("读取 STOP 消息失败", "relay", relayID.ShortString(), "err", err)
		_ = writeStopStatus(st, relaypb.StatusMalformedMessage)
		_ = st.Reset()
		return
	}
	if req.Type != relaypb.StopConnect || req.Peer == nil {
		_ = writeStopStatus(st, relaypb.StatusUnexpectedMessage)
		_ = st.Reset()
		return
	}
	dialer, err := types.PeerIDFromBytes(req.Peer.ID)
	if err != nil {
		_ = writeStopStatus(st, relaypb.StatusMalformedMessage)
		_ = st.Reset()
		return
	}

	c.mu.RLock()
	r, ok := c.reservations[relayID]
	c.mu.RUnlock()
	if !ok {
		log.Debug("拒绝未预约中继的 STOP 请求", "relay", relayID.ShortString(), "err", ErrNotReserved)
		_ = writeStopStatus(st, relaypb.StatusPermissionDenied)
		_ = st.Reset()
		return
	}

	if err := writeStopStatus(st, relaypb.StatusOK); err != nil {
		_ = st.Reset()
		return
	}
	_ = st.SetDeadline(time.Time{})

	laddr, err := types.CircuitAddr(r.RelayAddr, c.host.ID())
	if err != nil {
		_ = st.Reset()
		return
	}
	raddr, err := types.CircuitAddr(r.RelayAddr, dialer)
	if err != nil {
		_ = st.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if _, err := c.host.AddRelayedConn(ctx, st, types.DirInbound, dialer, laddr, raddr); err != nil {
		log.Info("接受中继连接失败", "peer", dialer.ShortString(), "err", err)
		return
	}
	log.Info("接受经中继连接", "peer", dialer.ShortString(), "relay", relayID.ShortString())
}

func writeStopStatus(st *host.Stream, status relaypb.Status) error {
	return msgio.WriteProto(st, &relaypb.StopMessage{Type: relaypb.StopStatus, Status: status})
}
