package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/multierr"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/internal/core/transport/tcp"
	"github.com/dep2p/dcutr-perf/internal/core/upgrader"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("host")

// Config 主机配置
type Config struct {
	// ListenAddrs 监听地址
	ListenAddrs []ma.Multiaddr

	// PortReuse 出站连接复用监听端口
	PortReuse bool

	// DialTimeout TCP 拨号超时
	DialTimeout time.Duration

	// HandshakeTimeout 连接升级超时
	HandshakeTimeout time.Duration
}

// CircuitDialer 经中继拨号 /p2p-circuit 地址
type CircuitDialer interface {
	DialCircuit(ctx context.Context, addr ma.Multiaddr) (*Conn, error)
}

// Host 节点主机
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       *identity.Identity
	cfg      Config
	tcp      *tcp.Transport
	upgrader *upgrader.Upgrader

	// multistream-select muxer 用于入站协议协商
	mux *mss.MultistreamMuxer[string]

	mu        sync.RWMutex
	conns     map[types.PeerID][]*Conn
	notifiees []Notifiee
	circuit   CircuitDialer
	listeners []*tcp.Listener
	expects   map[string]*inboundExpectation

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New 创建主机，调用 Start 后开始监听
func New(id *identity.Identity, cfg Config) *Host {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		ctx:      ctx,
		cancel:   cancel,
		id:       id,
		cfg:      cfg,
		tcp:      tcp.New(tcp.Config{PortReuse: cfg.PortReuse, DialTimeout: cfg.DialTimeout}),
		upgrader: upgrader.New(id),
		mux:      mss.NewMultistreamMuxer[string](),
		conns:    make(map[types.PeerID][]*Conn),
		expects:  make(map[string]*inboundExpectation),
	}
}

// ID 本地节点 ID
func (h *Host) ID() types.PeerID {
	return h.id.PeerID()
}

// Identity 本地身份
func (h *Host) Identity() *identity.Identity {
	return h.id
}

// Start 在配置的地址上监听
func (h *Host) Start() error {
	if h.closed.Load() {
		return ErrHostClosed
	}
	for _, addr := range h.cfg.ListenAddrs {
		l, err := h.tcp.Listen(addr)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.listeners = append(h.listeners, l)
		h.mu.Unlock()

		h.wg.Add(1)
		go h.acceptLoop(l)
	}
	log.Info("主机已启动", "peer", h.ID().String(), "addrs", h.Addrs())
	return nil
}

// ListenAddrs 监听器的实际地址（未展开通配地址）
func (h *Host) ListenAddrs() []ma.Multiaddr {
	return h.tcp.Addrs()
}

// Addrs 本地可达地址，通配地址展开为各网卡地址
func (h *Host) Addrs() []ma.Multiaddr {
	listen := h.tcp.Addrs()
	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return listen
	}
	resolved, err := manet.ResolveUnspecifiedAddresses(listen, ifaces)
	if err != nil {
		return listen
	}
	return resolved
}

// ============================================================================
//                              协议处理器
// ============================================================================

// SetStreamHandler 注册协议处理器
func (h *Host) SetStreamHandler(proto types.ProtocolID, handler StreamHandler) {
	h.mux.AddHandler(string(proto), func(p string, rwc io.ReadWriteCloser) error {
		s, ok := rwc.(*Stream)
		if !ok {
			return fmt.Errorf("unexpected stream type for protocol %s", p)
		}
		s.protocol = types.ProtocolID(p)
		handler(s)
		return nil
	})
	log.Debug("注册协议处理器", "protocol", proto)
}

// RemoveStreamHandler 移除协议处理器
func (h *Host) RemoveStreamHandler(proto types.ProtocolID) {
	h.mux.RemoveHandler(string(proto))
}

// ============================================================================
//                              通知
// ============================================================================

// Notify 订阅连接事件
func (h *Host) Notify(n Notifiee) {
	h.mu.Lock()
	h.notifiees = append(h.notifiees, n)
	h.mu.Unlock()
}

// StopNotify 取消订阅
func (h *Host) StopNotify(n Notifiee) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.notifiees {
		if x == n {
			h.notifiees = append(h.notifiees[:i], h.notifiees[i+1:]...)
			return
		}
	}
}

func (h *Host) notifyAll(fn func(Notifiee)) {
	h.mu.RLock()
	ns := make([]Notifiee, len(h.notifiees))
	copy(ns, h.notifiees)
	h.mu.RUnlock()
	for _, n := range ns {
		fn(n)
	}
}

// SetCircuitDialer 注册 /p2p-circuit 地址的拨号器
func (h *Host) SetCircuitDialer(d CircuitDialer) {
	h.mu.Lock()
	h.circuit = d
	h.mu.Unlock()
}

// ============================================================================
//                              拨号
// ============================================================================

// Connect 按地址拨号，地址必须以 /p2p/<id> 结尾
//
// 电路地址交给 CircuitDialer；已有到该节点的直连时直接复用。
func (h *Host) Connect(ctx context.Context, addr ma.Multiaddr) (*Conn, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}

	if types.IsRelayed(addr) {
		h.mu.RLock()
		d := h.circuit
		h.mu.RUnlock()
		if d == nil {
			return nil, ErrNoCircuitDialer
		}
		return d.DialCircuit(ctx, addr)
	}

	peer, rest, err := types.SplitPeer(addr)
	if err != nil {
		return nil, err
	}
	if peer == h.ID() {
		return nil, ErrDialSelf
	}
	if c := h.BestConn(peer); c != nil && !c.IsRelayed() {
		return c, nil
	}
	return h.DialDirect(ctx, peer, rest, false)
}

// DialDirect 直接拨号 TCP 地址并升级
//
// asServer 为 true 时以服务端角色完成安全握手，用于打洞时与对端的
// 客户端角色配对。
func (h *Host) DialDirect(ctx context.Context, peer types.PeerID, addr ma.Multiaddr, asServer bool) (*Conn, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	if peer == h.ID() {
		return nil, ErrDialSelf
	}

	raw, err := h.tcp.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	uctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()
	uc, err := h.upgrader.Upgrade(uctx, raw, asServer, peer)
	if err != nil {
		return nil, err
	}
	return h.addConn(uc, raw.LocalMultiaddr(), raw.RemoteMultiaddr(), Stat{
		Direction: types.DirOutbound,
		Opened:    time.Now(),
	})
}

// AddRelayedConn 在中继流之上升级端到端连接并纳入管理
//
// dir 为出站时以客户端角色握手并校验 expected；入站时以服务端角色握手。
func (h *Host) AddRelayedConn(ctx context.Context, raw net.Conn, dir types.Direction, expected types.PeerID, laddr, raddr ma.Multiaddr) (*Conn, error) {
	if h.closed.Load() {
		raw.Close()
		return nil, ErrHostClosed
	}
	uctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()
	uc, err := h.upgrader.Upgrade(uctx, raw, dir == types.DirInbound, expected)
	if err != nil {
		return nil, err
	}
	return h.addConn(uc, laddr, raddr, Stat{
		Direction: dir,
		Relayed:   true,
		Opened:    time.Now(),
	})
}

// ============================================================================
//                              连接管理
// ============================================================================

// ConnsToPeer 到指定节点的全部连接
func (h *Host) ConnsToPeer(peer types.PeerID) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.conns[peer]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// BestConn 到指定节点的最佳连接：直连优先，其次最新建立
func (h *Host) BestConn(peer types.PeerID) *Conn {
	conns := h.ConnsToPeer(peer)
	if len(conns) == 0 {
		return nil
	}
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].IsRelayed() != conns[j].IsRelayed() {
			return !conns[i].IsRelayed()
		}
		return conns[i].stat.Opened.After(conns[j].stat.Opened)
	})
	return conns[0]
}

// Peers 已连接的节点
func (h *Host) Peers() []types.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]types.PeerID, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	return peers
}

// NewStream 在到 peer 的最佳连接上打开流
func (h *Host) NewStream(ctx context.Context, peer types.PeerID, proto types.ProtocolID) (*Stream, error) {
	c := h.BestConn(peer)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, peer.ShortString())
	}
	return c.NewStream(ctx, proto)
}

// ClosePeer 关闭到指定节点的全部连接
func (h *Host) ClosePeer(peer types.PeerID) error {
	var err error
	for _, c := range h.ConnsToPeer(peer) {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (h *Host) addConn(uc *upgrader.Conn, laddr, raddr ma.Multiaddr, stat Stat) (*Conn, error) {
	c := newConn(h, uc, laddr, raddr, stat)

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		uc.Close()
		return nil, ErrHostClosed
	}
	h.conns[c.RemotePeer()] = append(h.conns[c.RemotePeer()], c)
	h.wg.Add(1)
	h.mu.Unlock()

	log.Debug("连接已建立", "conn", c.String(), "dir", stat.Direction)
	h.notifyAll(func(n Notifiee) { n.Connected(c) })

	go h.serveConn(c)
	return c, nil
}

func (h *Host) removeConn(c *Conn) {
	h.mu.Lock()
	peer := c.RemotePeer()
	conns := h.conns[peer]
	for i, x := range conns {
		if x == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(h.conns, peer)
	} else {
		h.conns[peer] = conns
	}
	h.mu.Unlock()

	log.Debug("连接已断开", "conn", c.String())
	h.notifyAll(func(n Notifiee) { n.Disconnected(c) })
}

// serveConn 接受入站流直到连接关闭
func (h *Host) serveConn(c *Conn) {
	defer h.wg.Done()
	defer h.removeConn(c)
	defer c.Close()

	for {
		ys, err := c.uc.AcceptStream()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.handleStream(&Stream{Stream: ys, conn: c})
	}
}

// handleStream 服务端协议协商后分发到处理器
func (h *Host) handleStream(s *Stream) {
	defer h.wg.Done()

	_ = s.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	proto, handler, err := h.mux.Negotiate(s)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("协议协商失败", "peer", s.conn.RemotePeer().ShortString(), "err", err)
		}
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})
	if handler == nil {
		_ = s.Reset()
		return
	}
	if err := handler(proto, s); err != nil {
		log.Debug("协议处理失败", "protocol", proto, "err", err)
		_ = s.Reset()
	}
}

// ============================================================================
//                              入站连接
// ============================================================================

func (h *Host) acceptLoop(l *tcp.Listener) {
	defer h.wg.Done()
	for {
		raw, err := l.Accept()
		if err != nil {
			if !h.closed.Load() {
				log.Warn("接受连接失败", "addr", l.Multiaddr().String(), "err", err)
			}
			return
		}
		h.wg.Add(1)
		go h.handleInbound(raw)
	}
}

func (h *Host) handleInbound(raw manet.Conn) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	asServer, expected := true, types.EmptyPeerID
	if e := h.expectation(raw.RemoteMultiaddr()); e != nil {
		asServer, expected = e.asServer, e.peer
	}

	uc, err := h.upgrader.Upgrade(ctx, raw, asServer, expected)
	if err != nil {
		log.Debug("入站连接升级失败", "remote", raw.RemoteMultiaddr().String(), "err", err)
		return
	}
	_, _ = h.addConn(uc, raw.LocalMultiaddr(), raw.RemoteMultiaddr(), Stat{
		Direction: types.DirInbound,
		Opened:    time.Now(),
	})
}

// inboundExpectation 对某个远端地址入站连接的握手约定
type inboundExpectation struct {
	peer     types.PeerID
	asServer bool
}

// ExpectInbound 约定来自 raddr 的入站连接以 asServer 角色握手并校验 peer
//
// 打洞时双方同时拨号，对端的连接可能落在本地监听器上，此时入站连接
// 必须与对端拨号时的握手角色配对。返回的函数撤销约定。
func (h *Host) ExpectInbound(raddr ma.Multiaddr, peer types.PeerID, asServer bool) (cancel func()) {
	key := raddr.String()
	e := &inboundExpectation{peer: peer, asServer: asServer}

	h.mu.Lock()
	h.expects[key] = e
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if h.expects[key] == e {
			delete(h.expects, key)
		}
		h.mu.Unlock()
	}
}

func (h *Host) expectation(raddr ma.Multiaddr) *inboundExpectation {
	if raddr == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.expects[raddr.String()]
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭监听器与全部连接，等待后台 goroutine 退出
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	err := h.tcp.Close()

	h.mu.RLock()
	var all []*Conn
	for _, conns := range h.conns {
		all = append(all, conns...)
	}
	h.mu.RUnlock()
	for _, c := range all {
		err = multierr.Append(err, c.Close())
	}

	h.wg.Wait()
	log.Info("主机已关闭", "peer", h.ID().ShortString())
	return err
}
