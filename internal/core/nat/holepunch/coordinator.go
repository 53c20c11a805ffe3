package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto/holepunch"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("nat.holepunch")

// 指标中的尝试结果
const (
	outcomeSuccess    = "success"
	outcomeFailure    = "failure"
	outcomeSuperseded = "superseded"
)

// ============================================================================
//                              配置
// ============================================================================

// Config 协调器配置
type Config struct {
	// AddressExchangeTimeout 打开打洞流并交换 CONNECT 的超时
	AddressExchangeTimeout time.Duration

	// SyncTimeout SYNC/ACK 超时
	SyncTimeout time.Duration

	// DialRaceTimeout 拨号竞速超时
	DialRaceTimeout time.Duration

	// MaxSyncDelay 发起方拨号前等待时间的上限
	MaxSyncDelay time.Duration

	// MaxCandidates 候选地址上限
	MaxCandidates int

	// CloseRelayedOnSuccess 直连成功后关闭中继连接
	CloseRelayedOnSuccess bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AddressExchangeTimeout: 15 * time.Second,
		SyncTimeout:            10 * time.Second,
		DialRaceTimeout:        10 * time.Second,
		MaxSyncDelay:           2 * time.Second,
		MaxCandidates:          16,
	}
}

// Dialer 直连拨号器，*host.Host 实现该接口
type Dialer interface {
	DialDirect(ctx context.Context, peer types.PeerID, addr ma.Multiaddr, asServer bool) (*host.Conn, error)
}

// InboundExpecter 登记打洞期间的入站连接握手角色，*host.Host 实现该接口
type InboundExpecter interface {
	ExpectInbound(raddr ma.Multiaddr, peer types.PeerID, asServer bool) (cancel func())
}

// AddrSource 额外的本地候选地址来源
type AddrSource func() []ma.Multiaddr

// Option 协调器选项
type Option func(*Coordinator)

// WithDialer 替换直连拨号器
func WithDialer(d Dialer) Option {
	return func(c *Coordinator) {
		c.dialer = d
	}
}

// WithInbound 替换入站约定的登记方
func WithInbound(e InboundExpecter) Option {
	return func(c *Coordinator) {
		c.inbound = e
	}
}

// WithAddrSource 增加候选地址来源，先于监听地址发送
func WithAddrSource(src AddrSource) Option {
	return func(c *Coordinator) {
		c.sources = append(c.sources, src)
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// ============================================================================
//                              Coordinator
// ============================================================================

// Coordinator 打洞协调器
type Coordinator struct {
	host    *host.Host
	cfg     Config
	dialer  Dialer
	inbound InboundExpecter
	sources []AddrSource
	metrics *metrics.Metrics

	mu       sync.Mutex
	attempts map[types.PeerID]*Attempt
	started  bool
	closed   bool

	notifiee *host.NotifyBundle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建协调器
func New(h *host.Host, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.AddressExchangeTimeout <= 0 {
		cfg.AddressExchangeTimeout = def.AddressExchangeTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.DialRaceTimeout <= 0 {
		cfg.DialRaceTimeout = def.DialRaceTimeout
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		host:     h,
		cfg:      cfg,
		dialer:   h,
		inbound:  h,
		attempts: make(map[types.PeerID]*Attempt),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 注册打洞协议并监听中继连接
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	c.host.SetStreamHandler(protocolids.HolePunch, c.handleStream)
	c.notifiee = &host.NotifyBundle{
		ConnectedF:    c.connected,
		DisconnectedF: c.disconnected,
	}
	c.host.Notify(c.notifiee)
	return nil
}

// Close 取消进行中的尝试并等待退出
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.host.StopNotify(c.notifiee)
		c.host.RemoveStreamHandler(protocolids.HolePunch)
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// Attempt 返回对端最近一次尝试
func (c *Coordinator) Attempt(peer types.PeerID) (*Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[peer]
	return a, ok
}

// Attempts 当前记录的全部尝试
func (c *Coordinator) Attempts() []*Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Attempt, 0, len(c.attempts))
	for _, a := range c.attempts {
		out = append(out, a)
	}
	return out
}

// Await 等待对端的打洞结果并返回可用连接
//
// 打洞失败不作为错误返回，Result.Conn 为中继连接，原因见 Result.Err。
// 没有进行中的尝试时直接返回现有的最佳连接。
func (c *Coordinator) Await(ctx context.Context, peer types.PeerID) (Result, error) {
	for {
		a, ok := c.Attempt(peer)
		if !ok {
			conn := c.host.BestConn(peer)
			if conn == nil {
				return Result{Peer: peer}, ErrNoConnection
			}
			res := Result{Peer: peer, Conn: conn, State: StateIdle}
			if !conn.IsRelayed() {
				res.State, res.Direct = StateDirectEstablished, true
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			return Result{Peer: peer}, ctx.Err()
		case <-a.Done():
		}

		res := a.Result()
		if errors.Is(res.Err, ErrSuperseded) {
			if next, _ := c.Attempt(peer); next != a {
				continue
			}
		}
		if res.Conn == nil {
			res.Conn = c.host.BestConn(peer)
			res.Direct = res.Conn != nil && !res.Conn.IsRelayed()
		}
		if res.Conn == nil {
			return res, ErrNoConnection
		}
		return res, nil
	}
}

// ============================================================================
//                              连接事件
// ============================================================================

func (c *Coordinator) connected(conn *host.Conn) {
	if !conn.IsRelayed() {
		if a, ok := c.Attempt(conn.RemotePeer()); ok && !a.State().Terminal() {
			a.offerInbound(conn)
		}
		return
	}

	role := RoleInitiator
	if conn.Stat().Direction == types.DirInbound {
		role = RoleResponder
	}
	c.begin(conn, role)
}

func (c *Coordinator) disconnected(conn *host.Conn) {
	if !conn.IsRelayed() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[conn.RemotePeer()]
	if ok && a.Relayed == conn && a.State() == StateFailed {
		delete(c.attempts, a.Peer)
	}
}

// begin 为新的中继连接开始尝试，替换同一节点的旧尝试
func (c *Coordinator) begin(conn *host.Conn, role Role) *Attempt {
	a := newAttempt(c.ctx, uuid.NewString(), role, conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		a.cancel()
		return nil
	}
	old := c.attempts[a.Peer]
	c.attempts[a.Peer] = a
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil && old.finish(nil, ErrSuperseded) {
		log.Info("打洞尝试被替换", "peer", a.Peer.ShortString(), "old", old.ID, "new", a.ID)
		c.metrics.HolePunchOutcome(old.Role.String(), outcomeSuperseded, time.Since(old.Started))
	}

	log.Debug("开始打洞尝试", "peer", a.Peer.ShortString(), "role", role, "attempt", a.ID)
	go c.run(a)
	return a
}

func (c *Coordinator) run(a *Attempt) {
	defer c.wg.Done()

	var (
		conn *host.Conn
		err  error
	)
	if d := c.directConn(a.Peer); d != nil {
		conn = d
	} else if a.Role == RoleResponder {
		conn, err = c.runResponder(a)
	} else {
		conn, err = c.runInitiator(a)
	}
	if err != nil && c.ctx.Err() != nil {
		err = ErrCoordinatorClosed
	}
	c.complete(a, conn, err)
}

func (c *Coordinator) complete(a *Attempt, conn *host.Conn, err error) {
	if !a.finish(conn, err) {
		return
	}
	d := time.Since(a.Started)
	if err == nil {
		log.Info("打洞成功",
			"peer", a.Peer.ShortString(),
			"role", a.Role,
			"addr", conn.RemoteMultiaddr(),
			"rtt", a.RTT(),
			"duration", d)
		c.metrics.HolePunchOutcome(a.Role.String(), outcomeSuccess, d)
		if c.cfg.CloseRelayedOnSuccess {
			_ = a.Relayed.Close()
		}
		return
	}
	log.Info("打洞失败，继续使用中继连接",
		"peer", a.Peer.ShortString(),
		"role", a.Role,
		"duration", d,
		"err", err)
	c.metrics.HolePunchOutcome(a.Role.String(), outcomeFailure, d)
}

// directConn 到对端的现有直连
func (c *Coordinator) directConn(peer types.PeerID) *host.Conn {
	for _, conn := range c.host.ConnsToPeer(peer) {
		if !conn.IsRelayed() && !conn.IsClosed() {
			return conn
		}
	}
	return nil
}

// candidates 本地候选地址
func (c *Coordinator) candidates() []ma.Multiaddr {
	sets := make([][]ma.Multiaddr, 0, len(c.sources)+1)
	for _, src := range c.sources {
		sets = append(sets, src())
	}
	sets = append(sets, c.host.Addrs())
	return mergeCandidates(c.cfg.MaxCandidates, sets...)
}

// expect 约定来自对端候选地址的入站连接与本地拨号使用相同角色
func (c *Coordinator) expect(a *Attempt, remote []ma.Multiaddr, asServer bool) func() {
	undo := make([]func(), 0, len(remote))
	for _, addr := range remote {
		undo = append(undo, c.inbound.ExpectInbound(addr, a.Peer, asServer))
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}

// ============================================================================
//                              协议
// ============================================================================

// handleStream 发起方接收响应方打开的打洞流
func (c *Coordinator) handleStream(st *host.Stream) {
	conn := st.Conn()
	a, ok := c.Attempt(conn.RemotePeer())
	if !ok || a.Relayed != conn || a.Role != RoleInitiator || !a.offerStream(st) {
		log.Debug("拒绝打洞流", "peer", conn.RemotePeer().ShortString(), "relayed", conn.IsRelayed())
		_ = st.Reset()
	}
}

// runResponder 打开打洞流，测量 RTT，收到 ACK 后立即拨号
func (c *Coordinator) runResponder(a *Attempt) (*host.Conn, error) {
	ctx, cancel := context.WithTimeout(a.ctx, c.cfg.AddressExchangeTimeout)
	st, err := a.Relayed.NewStream(ctx, protocolids.HolePunch)
	cancel()
	if err != nil {
		return nil, phaseErr("open stream", err)
	}
	stop := context.AfterFunc(a.ctx, func() { _ = st.Reset() })
	defer stop()
	defer st.Close()

	local := c.candidates()
	start := time.Now()
	if err := writeMessage(st, &pb.HolePunch{Type: pb.TypeConnect, ObsAddrs: encodeAddrs(local)}, c.cfg.AddressExchangeTimeout); err != nil {
		return nil, phaseErr("send connect", err)
	}
	resp, err := readMessage(st, pb.TypeConnect, c.cfg.AddressExchangeTimeout)
	if err != nil {
		return nil, phaseErr("address exchange", err)
	}
	rtt := time.Since(start)

	remote := decodeAddrs(resp.ObsAddrs, c.cfg.MaxCandidates)
	a.setAddrs(local, remote)
	undo := c.expect(a, remote, true)
	defer undo()

	if err := writeMessage(st, &pb.HolePunch{Type: pb.TypeSync, RTTNanos: uint64(rtt)}, c.cfg.SyncTimeout); err != nil {
		return nil, phaseErr("send sync", err)
	}
	if _, err := readMessage(st, pb.TypeAck, c.cfg.SyncTimeout); err != nil {
		return nil, phaseErr("sync", err)
	}

	a.startRace(rtt, time.Now())
	return c.race(a, remote, true)
}

// runInitiator 等待打洞流，回复 ACK 后延迟 rtt/2 拨号
func (c *Coordinator) runInitiator(a *Attempt) (*host.Conn, error) {
	timer := time.NewTimer(c.cfg.AddressExchangeTimeout)
	defer timer.Stop()

	var st *host.Stream
	select {
	case st = <-a.streams:
	case <-timer.C:
		return nil, fmt.Errorf("%w: peer did not open holepunch stream", types.ErrSynchronizationTimeout)
	case <-a.Relayed.Done():
		return nil, ErrRelayLost
	case <-a.ctx.Done():
		return nil, a.ctx.Err()
	}
	stop := context.AfterFunc(a.ctx, func() { _ = st.Reset() })
	defer stop()

	remote, delay, undo, err := c.answer(a, st)
	_ = st.Close()
	if err != nil {
		return nil, err
	}
	defer undo()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-a.ctx.Done():
			t.Stop()
			return nil, a.ctx.Err()
		}
	}
	return c.race(a, remote, false)
}

// answer 发起方一侧的 CONNECT / SYNC / ACK 交换，返回拨号前的等待时间
//
// 入站约定在 ACK 发出前登记，响应方收到 ACK 即开始拨号。成功时由调用方
// 执行返回的 undo。
func (c *Coordinator) answer(a *Attempt, st *host.Stream) ([]ma.Multiaddr, time.Duration, func(), error) {
	req, err := readMessage(st, pb.TypeConnect, c.cfg.AddressExchangeTimeout)
	if err != nil {
		return nil, 0, nil, phaseErr("address exchange", err)
	}
	remote := decodeAddrs(req.ObsAddrs, c.cfg.MaxCandidates)
	local := c.candidates()
	if err := writeMessage(st, &pb.HolePunch{Type: pb.TypeConnect, ObsAddrs: encodeAddrs(local)}, c.cfg.AddressExchangeTimeout); err != nil {
		return nil, 0, nil, phaseErr("send connect", err)
	}
	a.setAddrs(local, remote)
	undo := c.expect(a, remote, false)

	syncMsg, err := readMessage(st, pb.TypeSync, c.cfg.SyncTimeout)
	if err != nil {
		undo()
		return nil, 0, nil, phaseErr("sync", err)
	}
	if err := writeMessage(st, &pb.HolePunch{Type: pb.TypeAck}, c.cfg.SyncTimeout); err != nil {
		undo()
		return nil, 0, nil, phaseErr("send ack", err)
	}

	rtt := time.Duration(syncMsg.RTTNanos)
	delay := syncDelay(rtt, c.cfg.MaxSyncDelay)
	a.startRace(rtt, time.Now().Add(delay))
	return remote, delay, undo, nil
}

// syncDelay 发起方在 ACK 之后等待 rtt/2，使双方的 SYN 同时到达
func syncDelay(rtt, limit time.Duration) time.Duration {
	d := rtt / 2
	if d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return d
}

// phaseErr 超时归为 ErrSynchronizationTimeout
func phaseErr(phase string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %w", types.ErrSynchronizationTimeout, phase, err)
	}
	return fmt.Errorf("%s: %w", phase, err)
}

// ============================================================================
//                              拨号竞速
// ============================================================================

type dialResult struct {
	addr ma.Multiaddr
	conn *host.Conn
	err  error
}

// race 并发拨号全部候选地址，对端的入站直连同样计入
//
// 第一条成功的连接获胜，返回时取消其余拨号。
func (c *Coordinator) race(a *Attempt, remote []ma.Multiaddr, asServer bool) (*host.Conn, error) {
	ctx, cancel := context.WithTimeout(a.ctx, c.cfg.DialRaceTimeout)
	defer cancel()

	log.Debug("开始拨号竞速",
		"peer", a.Peer.ShortString(),
		"role", a.Role,
		"candidates", len(remote))

	results := make(chan dialResult, len(remote))
	for _, addr := range remote {
		c.wg.Add(1)
		go func(addr ma.Multiaddr) {
			defer c.wg.Done()
			conn, err := c.dialer.DialDirect(ctx, a.Peer, addr, asServer)
			results <- dialResult{addr: addr, conn: conn, err: err}
		}(addr)
	}

	var (
		errs   error
		failed int
	)
	for {
		select {
		case r := <-results:
			if r.err == nil {
				return r.conn, nil
			}
			failed++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.addr, r.err))
			log.Debug("打洞拨号失败", "peer", a.Peer.ShortString(), "addr", r.addr, "err", r.err)

		case conn := <-a.inbound:
			if conn.IsClosed() {
				continue
			}
			return conn, nil

		case <-ctx.Done():
			if err := a.ctx.Err(); err != nil {
				return nil, err
			}
			if errs == nil {
				if len(remote) == 0 {
					return nil, fmt.Errorf("%w: peer sent no usable candidates", types.ErrAllDialsFailed)
				}
				return nil, fmt.Errorf("%w: no dial completed", types.ErrDialTimeout)
			}
			if failed == len(remote) {
				return nil, fmt.Errorf("%w: %w", types.ErrAllDialsFailed, errs)
			}
			return nil, fmt.Errorf("%w: %d of %d dials failed: %w", types.ErrDialTimeout, failed, len(remote), errs)
		}
	}
}
