package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/lib/msgio"
	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
	relaypb "github.com/dep2p/dcutr-perf/pkg/lib/proto/relay"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("relay.server")

const (
	// maxMessageSize HOP/STOP 消息上限
	maxMessageSize = 4096

	// limiterCacheSize 按节点限流器的缓存容量
	limiterCacheSize = 1024

	// reserveBurst 预约请求的突发容量
	reserveBurst = 3
)

// ============================================================================
//                              配置
// ============================================================================

// Config 中继服务端配置
type Config struct {
	MaxReservations    int
	ReservationTTL     time.Duration
	MaxReservationTTL  time.Duration
	ReplaceExisting    bool
	ReserveRate        float64
	MaxCircuits        int
	MaxCircuitsPerPeer int
	MaxCircuitDuration time.Duration
	MaxCircuitBytes    int64
	DataRate           int
	GracePeriod        time.Duration
	ConnectTimeout     time.Duration
	GCInterval         time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxReservations:    128,
		ReservationTTL:     time.Hour,
		MaxReservationTTL:  time.Hour,
		ReplaceExisting:    true,
		ReserveRate:        1,
		MaxCircuits:        64,
		MaxCircuitsPerPeer: 8,
		GracePeriod:        5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		GCInterval:         time.Minute,
	}
}

// Option 服务端选项
type Option func(*Server)

// WithClock 替换时钟，测试中用于控制预约过期
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithMetrics 设置指标采集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// ============================================================================
//                              Server
// ============================================================================

type circuitKey struct {
	dialer types.PeerID
	target types.PeerID
}

// Server 中继电路服务
type Server struct {
	host    *host.Host
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics

	table    *ReservationTable
	limiters *lru.Cache[types.PeerID, *rate.Limiter]

	mu       sync.Mutex
	circuits map[circuitKey]*Circuit
	slots    int
	perPeer  map[types.PeerID]int

	notifiee host.Notifiee
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// New 创建中继服务端，调用 Start 后开始服务
func New(h *host.Host, cfg Config, opts ...Option) (*Server, error) {
	limiters, err := lru.New[types.PeerID, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		host:     h,
		cfg:      cfg,
		clock:    clock.New(),
		limiters: limiters,
		circuits: make(map[circuitKey]*Circuit),
		perPeer:  make(map[types.PeerID]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.table = NewReservationTable(s.clock, cfg.MaxReservations, cfg.ReplaceExisting)
	s.notifiee = &host.NotifyBundle{DisconnectedF: s.onDisconnected}
	return s, nil
}

// Reservations 预约表
func (s *Server) Reservations() *ReservationTable {
	return s.table
}

// Start 注册 HOP 协议处理器并启动过期清理
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.host.SetStreamHandler(protocolids.RelayHop, s.handleHop)
	s.host.Notify(s.notifiee)

	s.wg.Add(1)
	go s.gcLoop()

	log.Info("中继服务已启动",
		"peer", s.host.ID().String(),
		"maxReservations", s.cfg.MaxReservations,
		"maxCircuits", s.cfg.MaxCircuits)
	return nil
}

// Stop 停止服务并拆除全部电路
func (s *Server) Stop() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.host.RemoveStreamHandler(protocolids.RelayHop)
	s.host.StopNotify(s.notifiee)
	s.cancel()

	s.mu.Lock()
	circuits := make([]*Circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		circuits = append(circuits, c)
	}
	s.mu.Unlock()
	for _, c := range circuits {
		_ = c.Close()
	}

	s.wg.Wait()
	log.Info("中继服务已停止")
	return nil
}

// ============================================================================
//                              预约
// ============================================================================

// Reserve 为 holder 登记预约，connID 为其控制连接
func (s *Server) Reserve(holder types.PeerID, ttl time.Duration, connID string) (*Reservation, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	if ttl <= 0 {
		ttl = s.cfg.ReservationTTL
	}
	if s.cfg.MaxReservationTTL > 0 && ttl > s.cfg.MaxReservationTTL {
		ttl = s.cfg.MaxReservationTTL
	}
	r, err := s.table.Reserve(holder, ttl, connID)
	if err != nil {
		s.metrics.ReservationRequest(metrics.ResultRefused)
		return nil, err
	}
	s.metrics.ReservationRequest(metrics.ResultOK)
	s.metrics.SetReservations(s.table.Len())
	log.Info("预约成功", "peer", holder.ShortString(), "expires", r.Expires.Format(time.RFC3339))
	return r, nil
}

// Evict 移除 holder 的预约，已建立的电路不受影响
func (s *Server) Evict(holder types.PeerID) bool {
	ok := s.table.Evict(holder)
	if ok {
		s.metrics.SetReservations(s.table.Len())
		log.Info("预约已移除", "peer", holder.ShortString())
	}
	return ok
}

func (s *Server) onDisconnected(c *host.Conn) {
	if s.table.EvictConn(c.RemotePeer(), c.ID()) {
		s.metrics.SetReservations(s.table.Len())
		log.Info("控制连接断开，预约已移除", "peer", c.RemotePeer().ShortString())
	}
}

func (s *Server) gcLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.table.Expire(); n > 0 {
				log.Debug("清理过期预约", "count", n)
			}
			s.metrics.SetReservations(s.table.Len())
		}
	}
}

func (s *Server) allowReserve(peer types.PeerID) bool {
	if s.cfg.ReserveRate <= 0 {
		return true
	}
	lim, ok := s.limiters.Get(peer)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.ReserveRate), reserveBurst)
		s.limiters.Add(peer, lim)
	}
	return lim.AllowN(s.clock.Now(), 1)
}

// ============================================================================
//                              电路
// ============================================================================

// DialThrough 经预约把 src 拼接到 target 的新 STOP 流上
//
// 成功时已经向 src 回复 STATUS OK，电路在后台转发，src 的所有权
// 转移给电路。失败时 src 仍归调用方所有。
func (s *Server) DialThrough(ctx context.Context, dialer, target types.PeerID, src Leg) (*Circuit, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	if dialer == target {
		return nil, ErrDialSelf
	}

	res, ok := s.table.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoReservation, target.ShortString())
	}
	ctrl := s.controlConn(target, res.ConnID)
	if ctrl == nil {
		s.table.EvictConn(target, res.ConnID)
		return nil, fmt.Errorf("%w: %s control connection gone", types.ErrNoReservation, target.ShortString())
	}

	key := circuitKey{dialer: dialer, target: target}
	release, err := s.acquireSlot(key)
	if err != nil {
		return nil, err
	}

	dst, err := s.openStop(ctx, ctrl, dialer)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if err := writeHop(src, &relaypb.HopMessage{
		Type:   relaypb.HopStatus,
		Status: relaypb.StatusOK,
		Limit:  s.limit(),
	}); err != nil {
		release()
		_ = dst.Reset()
		return nil, err
	}

	c := newCircuit(uuid.NewString(), dialer, target, src, dst, circuitLimits{
		duration: s.cfg.MaxCircuitDuration,
		bytes:    s.cfg.MaxCircuitBytes,
		rate:     s.cfg.DataRate,
	}, s.clock, s.metrics.RelayedBytes)

	s.mu.Lock()
	old := s.circuits[key]
	s.circuits[key] = c
	active := len(s.circuits)
	s.mu.Unlock()
	if old != nil {
		log.Info("替换已有电路", "old", old.ID, "new", c.ID)
		_ = old.Close()
	}
	s.metrics.SetCircuits(active)

	log.Info("电路已建立", "id", c.ID, "dialer", dialer.ShortString(), "target", target.ShortString())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		err := c.splice(s.cfg.GracePeriod)
		s.removeCircuit(key, c)

		toTarget, toDialer := c.BytesForwarded()
		log.Info("电路已关闭",
			"id", c.ID,
			"toTarget", toTarget,
			"toDialer", toDialer,
			"err", err)
	}()
	return c, nil
}

// Circuits 活跃电路数
func (s *Server) Circuits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.circuits)
}

// Circuit 查找 (dialer, target) 的活跃电路
func (s *Server) Circuit(dialer, target types.PeerID) (*Circuit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[circuitKey{dialer: dialer, target: target}]
	return c, ok
}

func (s *Server) removeCircuit(key circuitKey, c *Circuit) {
	s.mu.Lock()
	if s.circuits[key] == c {
		delete(s.circuits, key)
	}
	active := len(s.circuits)
	s.mu.Unlock()
	s.metrics.SetCircuits(active)
}

// acquireSlot 占用电路配额，电路结束时释放
//
// 同一对节点的旧电路即将被替换，不计入配额。
func (s *Server) acquireSlot(key circuitKey) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacing := 0
	if _, ok := s.circuits[key]; ok {
		replacing = 1
	}
	if s.cfg.MaxCircuits > 0 && s.slots-replacing >= s.cfg.MaxCircuits {
		return nil, fmt.Errorf("%w: %d circuits", types.ErrCapacityExceeded, s.cfg.MaxCircuits)
	}
	if limit := s.cfg.MaxCircuitsPerPeer; limit > 0 {
		if s.perPeer[key.dialer]-replacing >= limit || s.perPeer[key.target]-replacing >= limit {
			return nil, fmt.Errorf("%w: %d circuits per peer", types.ErrCapacityExceeded, limit)
		}
	}

	s.slots++
	s.perPeer[key.dialer]++
	s.perPeer[key.target]++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.slots--
			for _, p := range []types.PeerID{key.dialer, key.target} {
				s.perPeer[p]--
				if s.perPeer[p] <= 0 {
					delete(s.perPeer, p)
				}
			}
		})
	}, nil
}

func (s *Server) controlConn(holder types.PeerID, connID string) *host.Conn {
	for _, c := range s.host.ConnsToPeer(holder) {
		if c.ID() == connID && !c.IsClosed() {
			return c
		}
	}
	return nil
}

// openStop 在持有者的控制连接上打开 STOP 流并等待应答
func (s *Server) openStop(ctx context.Context, ctrl *host.Conn, dialer types.PeerID) (*host.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	st, err := ctrl.NewStream(ctx, protocolids.RelayStop)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	req := &relaypb.StopMessage{
		Type:  relaypb.StopConnect,
		Peer:  &relaypb.Peer{ID: dialer.Bytes()},
		Limit: s.limit(),
	}
	if err := msgio.WriteProto(st, req); err != nil {
		_ = st.Reset()
		return nil, err
	}
	var resp relaypb.StopMessage
	if err := msgio.ReadProto(st, &resp, maxMessageSize); err != nil {
		_ = st.Reset()
		return nil, err
	}
	if resp.Type != relaypb.StopStatus {
		_ = st.Reset()
		return nil, fmt.Errorf("unexpected stop message %s", resp.Type)
	}
	if err := resp.Status.Err(); err != nil {
		_ = st.Reset()
		return nil, err
	}
	_ = st.SetDeadline(time.Time{})
	return st, nil
}

func (s *Server) limit() *relaypb.Limit {
	if s.cfg.MaxCircuitDuration <= 0 && s.cfg.MaxCircuitBytes <= 0 {
		return nil
	}
	return &relaypb.Limit{
		Duration: uint32(s.cfg.MaxCircuitDuration / time.Second),
		Data:     uint64(s.cfg.MaxCircuitBytes),
	}
}

// ============================================================================
//                              HOP 协议
// ============================================================================

func (s *Server) handleHop(st *host.Stream) {
	_ = st.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout))

	var msg relaypb.HopMessage
	if err := msgio.ReadProto(st, &msg, maxMessageSize); err != nil {
		if errors.Is(err, pb.ErrMalformed) || errors.Is(err, msgio.ErrMessageTooLarge) {
			s.dropMalformed(st, err)
			return
		}
		log.Debug("读取 HOP 消息失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
		_ = st.Reset()
		return
	}
	_ = st.SetReadDeadline(time.Time{})

	switch msg.Type {
	case relaypb.HopReserve:
		s.handleReserve(st, &msg)
	case relaypb.HopConnect:
		s.handleConnect(st, &msg)
	default:
		_ = writeHopStatus(st, relaypb.StatusUnexpectedMessage)
		_ = st.Close()
	}
}

// dropMalformed 回复 MALFORMED 后关闭发送方的连接
func (s *Server) dropMalformed(st *host.Stream, cause error) {
	peer := st.Conn().RemotePeer()
	log.Warn("收到格式错误的消息，断开连接", "peer", peer.ShortString(), "err", cause)
	_ = writeHopStatus(st, relaypb.StatusMalformedMessage)
	_ = st.Close()
	_ = st.Conn().Close()
}

func (s *Server) handleReserve(st *host.Stream, msg *relaypb.HopMessage) {
	defer st.Close()

	conn := st.Conn()
	peer := conn.RemotePeer()
	if conn.IsRelayed() {
		_ = writeHopStatus(st, relaypb.StatusPermissionDenied)
		return
	}
	if !s.allowReserve(peer) {
		s.metrics.ReservationRequest(metrics.ResultRefused)
		log.Debug("预约请求过于频繁", "peer", peer.ShortString())
		_ = writeHopStatus(st, relaypb.StatusResourceLimitExceeded)
		return
	}

	r, err := s.Reserve(peer, time.Duration(msg.TTLSeconds)*time.Second, conn.ID())
	if err != nil {
		log.Info("预约被拒绝", "peer", peer.ShortString(), "err", err)
		_ = writeHopStatus(st, relaypb.StatusForError(err))
		return
	}

	resp := &relaypb.HopMessage{
		Type:   relaypb.HopStatus,
		Status: relaypb.StatusOK,
		Reservation: &relaypb.Reservation{
			Expire: uint64(r.Expires.Unix()),
			Addrs:  s.relayAddrs(),
		},
		Limit: s.limit(),
	}
	if err := writeHop(st, resp); err != nil {
		log.Debug("回复预约失败", "peer", peer.ShortString(), "err", err)
	}
}

func (s *Server) handleConnect(st *host.Stream, msg *relaypb.HopMessage) {
	dialer := st.Conn().RemotePeer()
	if msg.Peer == nil {
		s.dropMalformed(st, errors.New("connect without peer"))
		return
	}
	target, err := types.PeerIDFromBytes(msg.Peer.ID)
	if err != nil {
		s.dropMalformed(st, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	c, err := s.DialThrough(ctx, dialer, target, st)
	if err != nil {
		s.metrics.CircuitRequest(metrics.ResultRefused)
		log.Info("经中继拨号失败",
			"dialer", dialer.ShortString(),
			"target", target.ShortString(),
			"err", err)
		_ = writeHopStatus(st, relaypb.StatusForError(err))
		_ = st.Close()
		return
	}
	s.metrics.CircuitRequest(metrics.ResultOK)
	log.Debug("电路转发中", "id", c.ID)
}

func (s *Server) relayAddrs() [][]byte {
	var out [][]byte
	for _, a := range s.host.Addrs() {
		full, err := types.WithPeer(a, s.host.ID())
		if err != nil {
			continue
		}
		out = append(out, full.Bytes())
	}
	return out
}

// RelayAddrs 中继对外地址，带 /p2p/<relayID>
func (s *Server) RelayAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, b := range s.relayAddrs() {
		a, err := ma.NewMultiaddrBytes(b)
		if err == nil {
			out = append(out, a)
		}
	}
	return out
}

func writeHop(st Leg, msg *relaypb.HopMessage) error {
	return msgio.WriteProto(st, msg)
}

func writeHopStatus(st Leg, status relaypb.Status) error {
	return writeHop(st, &relaypb.HopMessage{Type: relaypb.HopStatus, Status: status})
}
