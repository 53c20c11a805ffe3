package natpmp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/dep2p/dcutr-perf/internal/util/logger"
)

var log = logger.Logger("nat.natpmp")

// DefaultTimeout 单次 NAT-PMP 请求超时
const DefaultTimeout = 5 * time.Second

// client NAT-PMP 客户端，*natpmp.Client 实现该接口
type client interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// Config 映射器配置
type Config struct {
	// Gateway 网关 IP，留空自动发现
	Gateway string

	// Lifetime 映射租期，到期前一半时续期
	Lifetime time.Duration

	// Timeout 单次请求超时
	Timeout time.Duration
}

// Mapping 一条 TCP 端口映射
type Mapping struct {
	InternalPort int
	ExternalPort int
	ExternalAddr ma.Multiaddr
	Expires      time.Time
}

// Mapper NAT-PMP 端口映射器
type Mapper struct {
	client   client
	clock    clock.Clock
	lifetime time.Duration

	mu       sync.Mutex
	mappings map[int]*Mapping
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New 发现网关并创建映射器
func New(cfg Config) (*Mapper, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var gw net.IP
	if cfg.Gateway != "" {
		gw = net.ParseIP(cfg.Gateway)
		if gw == nil {
			return nil, fmt.Errorf("natpmp: invalid gateway %q", cfg.Gateway)
		}
	} else {
		ip, err := gateway.DiscoverGateway()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
		}
		gw = ip
	}

	log.Info("NAT-PMP 网关", "gateway", gw.String())
	return newMapper(natpmp.NewClientWithTimeout(gw, cfg.Timeout), clock.New(), cfg.Lifetime), nil
}

func newMapper(c client, clk clock.Clock, lifetime time.Duration) *Mapper {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	m := &Mapper{
		client:   c,
		clock:    clk,
		lifetime: lifetime,
		mappings: make(map[int]*Mapping),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.renewLoop()
	return m
}

// MapTCP 映射 TCP 端口，返回外部地址
func (m *Mapper) MapTCP(port int) (ma.Multiaddr, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	res, err := m.client.AddPortMapping("tcp", port, port, int(m.lifetime/time.Second))
	if err != nil {
		return nil, &MappingError{Port: port, Cause: err}
	}
	ext, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, &MappingError{Port: port, Cause: err}
	}

	ip := net.IP(ext.ExternalIPAddress[:])
	addr, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: int(res.MappedExternalPort)})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.mappings[port] = &Mapping{
		InternalPort: port,
		ExternalPort: int(res.MappedExternalPort),
		ExternalAddr: addr,
		Expires:      m.clock.Now().Add(time.Duration(res.PortMappingLifetimeInSeconds) * time.Second),
	}
	m.mu.Unlock()

	log.Info("NAT-PMP 端口映射成功", "internal", port, "external", addr.String())
	return addr, nil
}

// Addrs 当前有效映射的外部地址
func (m *Mapper) Addrs() []ma.Multiaddr {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	addrs := make([]ma.Multiaddr, 0, len(m.mappings))
	for _, mp := range m.mappings {
		if now.Before(mp.Expires) {
			addrs = append(addrs, mp.ExternalAddr)
		}
	}
	return addrs
}

func (m *Mapper) renewLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.lifetime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.renew()
		}
	}
}

func (m *Mapper) renew() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.mappings))
	for p := range m.mappings {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	for _, p := range ports {
		if _, err := m.MapTCP(p); err != nil {
			log.Warn("NAT-PMP 续期失败", "port", p, "err", err)
		}
	}
}

// Close 删除全部映射并停止续期
func (m *Mapper) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mappings := m.mappings
	m.mappings = make(map[int]*Mapping)
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	var err error
	for port := range mappings {
		// 租期为 0 表示删除
		if _, e := m.client.AddPortMapping("tcp", port, 0, 0); e != nil {
			err = multierr.Append(err, &MappingError{Port: port, Cause: e})
		}
	}
	return err
}
