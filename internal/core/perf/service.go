package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("perf")

const (
	// maxResults 保留的最近结果数
	maxResults = 64

	// DefaultMaxSessions 同时回显的会话上限
	DefaultMaxSessions = 4
)

// ============================================================================
//                              配置
// ============================================================================

// Config 测速服务配置
type Config struct {
	// Timeout 单次会话超时，0 表示仅受调用方 ctx 约束
	Timeout time.Duration

	// MaxPayload 作为接收方接受的最大 N
	MaxPayload uint64

	// MaxSessions 作为接收方同时处理的会话数，超出的请求直接重置
	MaxSessions int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Minute,
		MaxPayload:  DefaultMaxPayload,
		MaxSessions: DefaultMaxSessions,
	}
}

// Option 服务选项
type Option func(*Service)

// WithMetrics 记录会话指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// ============================================================================
//                              服务
// ============================================================================

// Service 测速服务
//
// 注册后作为接收方回显任何对端的测速请求，Run 作为发送方发起测速。
type Service struct {
	host    *host.Host
	cfg     Config
	metrics *metrics.Metrics
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	results []*Result
}

// New 创建测速服务
func New(h *host.Host, cfg Config, opts ...Option) *Service {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		host:   h,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxSessions),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 注册测速协议处理器
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	s.host.SetStreamHandler(protocolids.Perf, s.handleStream)
	log.Debug("测速服务已启动", "protocol", protocolids.Perf)
	return nil
}

// Close 注销处理器并等待进行中的会话结束
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.host.RemoveStreamHandler(protocolids.Perf)
	s.cancel()
	s.wg.Wait()
	return nil
}

// Results 最近的会话结果，旧的在前
func (s *Service) Results() []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Result, len(s.results))
	copy(out, s.results)
	return out
}

// Run 在到 peer 的最佳连接上执行一次测速
//
// 有直连时优先使用直连。
func (s *Service) Run(ctx context.Context, peer types.PeerID, n uint64) (*Result, error) {
	conn := s.host.BestConn(peer)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, peer.ShortString())
	}
	return s.RunOn(ctx, conn, n)
}

// RunOn 在指定连接上执行一次测速
func (s *Service) RunOn(ctx context.Context, conn *host.Conn, n uint64) (*Result, error) {
	if !s.track() {
		return nil, ErrServiceClosed
	}
	defer s.wg.Done()

	ctx, cancel := s.sessionContext(ctx)
	defer cancel()

	path := pathOf(conn)
	st, err := conn.NewStream(ctx, protocolids.Perf)
	if err != nil {
		s.record(RoleSender, path, nil, err)
		return nil, fmt.Errorf("open perf stream: %w", err)
	}
	defer st.Close()

	res, err := Send(ctx, st, n)
	if err != nil {
		_ = st.Reset()
		s.record(RoleSender, path, nil, err)
		return nil, err
	}
	res.Peer = conn.RemotePeer()
	res.Path = path
	s.record(RoleSender, path, res, nil)

	log.Info("测速完成",
		"peer", res.Peer.ShortString(),
		"path", path,
		"bytes", n,
		"elapsed", res.Elapsed(),
		"bandwidth", formatBandwidth(res.Bandwidth()))
	return res, nil
}

func (s *Service) handleStream(st *host.Stream) {
	if !s.track() {
		_ = st.Reset()
		return
	}
	defer s.wg.Done()

	conn := st.Conn()
	path := pathOf(conn)

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		_ = st.Reset()
		s.record(RoleReceiver, path, nil, ErrTooManySessions)
		log.Warn("测速会话已满", "peer", conn.RemotePeer().ShortString(), "limit", s.cfg.MaxSessions)
		return
	}

	ctx, cancel := s.sessionContext(s.ctx)
	defer cancel()

	res, err := Receive(ctx, st, s.cfg.MaxPayload)
	if err != nil {
		_ = st.Reset()
		s.record(RoleReceiver, path, nil, err)
		log.Warn("测速请求失败", "peer", conn.RemotePeer().ShortString(), "path", path, "err", err)
		return
	}

	res.Peer = conn.RemotePeer()
	res.Path = path
	s.record(RoleReceiver, path, res, nil)
	log.Debug("测速请求已回显", "peer", res.Peer.ShortString(), "path", path, "bytes", res.Bytes)
}

// track 登记一个进行中的会话，服务已关闭时返回 false
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// sessionContext 叠加会话超时，并在服务关闭时取消
func (s *Service) sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Service) record(role Role, path string, res *Result, err error) {
	if res == nil {
		s.metrics.PerfSession(string(role), path, 0, 0, 0, err)
		return
	}
	s.metrics.PerfSession(string(role), path, res.Sent, res.Received, res.Mbps(), nil)

	s.mu.Lock()
	s.results = append(s.results, res)
	if len(s.results) > maxResults {
		s.results = s.results[len(s.results)-maxResults:]
	}
	s.mu.Unlock()
}

func pathOf(conn *host.Conn) string {
	if conn.IsRelayed() {
		return PathRelayed
	}
	return PathDirect
}
