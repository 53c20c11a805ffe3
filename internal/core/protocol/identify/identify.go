package identify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/lib/msgio"
	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto/identify"
	"github.com/dep2p/dcutr-perf/pkg/protocolids"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("protocol.identify")

const (
	// ProtocolVersion 协议版本
	ProtocolVersion = "dcutr-perf/1.0.0"

	// AgentVersion 代理版本
	AgentVersion = "dcutr-perf/1.0.0"

	maxMessageSize = 8 * 1024
)

// ErrPublicKeyMismatch 消息中的公钥与连接的对端身份不一致
var ErrPublicKeyMismatch = errors.New("identify: public key does not match remote peer")

// Config identify 配置
type Config struct {
	// Timeout 单次交换超时
	Timeout time.Duration

	// CacheSize 观测地址缓存容量
	CacheSize int
}

// Info 对端身份信息
type Info struct {
	PeerID          types.PeerID
	ListenAddrs     []ma.Multiaddr
	Protocols       []types.ProtocolID
	ObservedAddr    ma.Multiaddr
	ProtocolVersion string
	AgentVersion    string
}

type observation struct {
	addr     ma.Multiaddr
	count    int
	lastSeen time.Time
}

// Service identify 服务
type Service struct {
	host *host.Host
	cfg  Config

	observed *lru.Cache[string, *observation]
	obsMu    sync.Mutex

	mu      sync.Mutex
	pending map[string]chan struct{}

	notifiee *host.NotifyBundle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建 identify 服务
func New(h *host.Host, cfg Config) (*Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	cache, err := lru.New[string, *observation](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("创建观测地址缓存失败: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:     h,
		cfg:      cfg,
		observed: cache,
		pending:  make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start 注册协议处理器，并在出站直连建立后自动识别对端
func (s *Service) Start() {
	s.host.SetStreamHandler(protocolids.Identify, s.handle)
	s.notifiee = &host.NotifyBundle{
		ConnectedF: func(c *host.Conn) {
			if c.IsRelayed() || c.Stat().Direction != types.DirOutbound {
				return
			}
			done := s.pendingChan(c)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer close(done)
				ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
				defer cancel()
				if _, err := s.IdentifyConn(ctx, c); err != nil {
					log.Debug("identify 失败", "peer", c.RemotePeer().ShortString(), "err", err)
				}
			}()
		},
		DisconnectedF: func(c *host.Conn) {
			s.mu.Lock()
			delete(s.pending, c.ID())
			s.mu.Unlock()
		},
	}
	s.host.Notify(s.notifiee)
}

// Stop 停止服务
func (s *Service) Stop() {
	if s.notifiee != nil {
		s.host.StopNotify(s.notifiee)
	}
	s.host.RemoveStreamHandler(protocolids.Identify)
	s.cancel()
	s.wg.Wait()
}

// IdentifyWait 返回连接自动识别完成时关闭的通道
//
// 中继连接与入站连接不会自动识别，返回已关闭的通道。
func (s *Service) IdentifyWait(c *host.Conn) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[c.ID()]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *Service) pendingChan(c *host.Conn) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.pending[c.ID()] = ch
	return ch
}

// handle 回复本节点信息
func (s *Service) handle(st *host.Stream) {
	defer st.Close()
	_ = st.SetDeadline(time.Now().Add(s.cfg.Timeout))

	msg := s.buildMessage(st.Conn())
	if err := msgio.WriteProto(st, msg); err != nil {
		log.Debug("发送 identify 失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
		return
	}
	_ = st.CloseWrite()
}

func (s *Service) buildMessage(c *host.Conn) *pb.Identify {
	msg := &pb.Identify{
		PublicKey:       identity.MarshalPublicKey(s.host.Identity().PublicKey()),
		ProtocolVersion: ProtocolVersion,
		AgentVersion:    AgentVersion,
	}
	for _, a := range s.host.Addrs() {
		msg.ListenAddrs = append(msg.ListenAddrs, a.Bytes())
	}
	for _, p := range protocolids.All() {
		msg.Protocols = append(msg.Protocols, string(p))
	}
	if !c.IsRelayed() && c.RemoteMultiaddr() != nil {
		msg.ObservedAddr = c.RemoteMultiaddr().Bytes()
	}
	return msg
}

// IdentifyConn 在连接上执行一次 identify 并记录观测地址
func (s *Service) IdentifyConn(ctx context.Context, c *host.Conn) (*Info, error) {
	st, err := c.NewStream(ctx, protocolids.Identify)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	var msg pb.Identify
	if err := msgio.ReadProto(st, &msg, maxMessageSize); err != nil {
		return nil, fmt.Errorf("读取 identify 消息失败: %w", err)
	}

	info, err := parseMessage(&msg)
	if err != nil {
		return nil, err
	}
	if info.PeerID != c.RemotePeer() {
		return nil, ErrPublicKeyMismatch
	}

	if info.ObservedAddr != nil && !c.IsRelayed() {
		s.recordObservation(info.ObservedAddr)
	}
	log.Debug("identify 完成",
		"peer", info.PeerID.ShortString(),
		"listen", len(info.ListenAddrs),
		"observed", info.ObservedAddr)
	return info, nil
}

func parseMessage(msg *pb.Identify) (*Info, error) {
	pub, err := identity.UnmarshalPublicKey(msg.PublicKey)
	if err != nil {
		return nil, err
	}
	peer, err := identity.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	info := &Info{
		PeerID:          peer,
		ProtocolVersion: msg.ProtocolVersion,
		AgentVersion:    msg.AgentVersion,
	}
	for _, b := range msg.ListenAddrs {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		info.ListenAddrs = append(info.ListenAddrs, a)
	}
	for _, p := range msg.Protocols {
		info.Protocols = append(info.Protocols, types.ProtocolID(p))
	}
	if len(msg.ObservedAddr) > 0 {
		if a, err := ma.NewMultiaddrBytes(msg.ObservedAddr); err == nil {
			info.ObservedAddr = a
		}
	}
	return info, nil
}

// ============================================================================
//                              观测地址
// ============================================================================

func (s *Service) recordObservation(addr ma.Multiaddr) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	key := string(addr.Bytes())
	if o, ok := s.observed.Get(key); ok {
		o.count++
		o.lastSeen = time.Now()
		return
	}
	s.observed.Add(key, &observation{addr: addr, count: 1, lastSeen: time.Now()})
	log.Info("观测到外部地址", "addr", addr.String())
}

// ObservedAddrs 对端观测到的本节点地址，按观测次数降序
func (s *Service) ObservedAddrs() []ma.Multiaddr {
	s.obsMu.Lock()
	obs := make([]observation, 0, s.observed.Len())
	for _, k := range s.observed.Keys() {
		if o, ok := s.observed.Peek(k); ok {
			obs = append(obs, *o)
		}
	}
	s.obsMu.Unlock()

	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].count != obs[j].count {
			return obs[i].count > obs[j].count
		}
		return obs[i].lastSeen.After(obs[j].lastSeen)
	})
	addrs := make([]ma.Multiaddr, len(obs))
	for i, o := range obs {
		addrs[i] = o.addr
	}
	return addrs
}
