// Package config 提供统一的配置管理
//
// 配置来源按优先级从低到高：
//   - DefaultConfig() 默认值
//   - JSON 配置文件（LoadFile）
//   - DCUTR_ 前缀的环境变量（ApplyEnv）
//   - 命令行参数（由 cmd 绑定）
//
// 配置只在启动时读取一次，运行期间不会重新加载。
//
// 使用示例：
//
//	cfg, err := config.LoadFile("peer.json")
//	if err != nil { ... }
//	config.ApplyEnv(cfg)
//	if err := cfg.Validate(); err != nil { ... }
package config

import (
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// 运行模式
const (
	// ModeSender 发送方：经中继拨号接收方并发起测速
	ModeSender = "sender"
	// ModeReceiver 接收方：在中继上预约并响应测速
	ModeReceiver = "receiver"
)

// Config 完整配置
type Config struct {
	// Identity 身份
	Identity IdentityConfig `json:"identity"`

	// Transport 传输层
	Transport TransportConfig `json:"transport"`

	// Identify 身份识别与观测地址
	Identify IdentifyConfig `json:"identify"`

	// Relay 中继（服务端与客户端）
	Relay RelayConfig `json:"relay"`

	// HolePunch 打洞协调
	HolePunch HolePunchConfig `json:"holepunch"`

	// Perf 测速
	Perf PerfConfig `json:"perf"`

	// NAT 端口映射
	NAT NATConfig `json:"nat"`

	// Metrics 指标导出
	Metrics MetricsConfig `json:"metrics"`

	// Log 日志
	Log LogConfig `json:"log"`
}

// IdentityConfig 身份配置
type IdentityConfig struct {
	// Seed 确定性密钥种子，nil 表示随机生成
	Seed *uint8 `json:"seed,omitempty"`
}

// TransportConfig 传输配置
type TransportConfig struct {
	// ListenAddrs 监听地址（multiaddr）
	ListenAddrs []string `json:"listen_addrs"`

	// PortReuse 出站连接复用监听端口（TCP 同时打开所必需）
	PortReuse bool `json:"port_reuse"`

	// DialTimeout 单次拨号超时
	DialTimeout Duration `json:"dial_timeout"`

	// HandshakeTimeout 安全握手与复用协商超时
	HandshakeTimeout Duration `json:"handshake_timeout"`
}

// IdentifyConfig 身份识别配置
type IdentifyConfig struct {
	// Timeout 单次 identify 交换超时
	Timeout Duration `json:"timeout"`

	// ObservedAddrCacheSize 观测地址缓存容量
	ObservedAddrCacheSize int `json:"observed_addr_cache_size"`
}

// PerfConfig 测速配置
type PerfConfig struct {
	// Mode sender 或 receiver，中继节点留空
	Mode string `json:"mode,omitempty"`

	// RemotePeer 接收方 PeerID（发送方必填）
	RemotePeer string `json:"remote_peer,omitempty"`

	// Bytes 每次测速单向发送的字节数 N
	Bytes uint64 `json:"bytes"`

	// Sessions 同一连接上顺序执行的测速次数
	Sessions int `json:"sessions"`

	// Timeout 单次测速超时
	Timeout Duration `json:"timeout"`
}

// NATConfig 端口映射配置
type NATConfig struct {
	// EnableNATPMP 通过 NAT-PMP 映射监听端口，映射地址作为打洞候选
	EnableNATPMP bool `json:"enable_natpmp"`

	// Gateway 网关地址，留空自动发现
	Gateway string `json:"gateway,omitempty"`

	// MappingLifetime 映射租期
	MappingLifetime Duration `json:"mapping_lifetime"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// ListenAddr Prometheus /metrics 监听地址，留空不启动
	ListenAddr string `json:"listen_addr,omitempty"`

	// IntrospectAddr 本地自省 HTTP 服务地址（JSON 诊断与 pprof），留空不启动
	IntrospectAddr string `json:"introspect_addr,omitempty"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 级别配置，格式同 DCUTR_LOG_LEVEL
	Level string `json:"level,omitempty"`

	// Format text 或 json
	Format string `json:"format,omitempty"`

	// File 日志文件，留空输出到 stderr
	File string `json:"file,omitempty"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/0"},
			PortReuse:        true,
			DialTimeout:      Duration(10 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Identify: IdentifyConfig{
			Timeout:               Duration(10 * time.Second),
			ObservedAddrCacheSize: 64,
		},
		Relay:     DefaultRelayConfig(),
		HolePunch: DefaultHolePunchConfig(),
		Perf: PerfConfig{
			Bytes:    10_000_000,
			Sessions: 1,
			Timeout:  Duration(5 * time.Minute),
		},
		NAT: NATConfig{
			MappingLifetime: Duration(time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SeedValue 设置种子的便捷函数
func SeedValue(seed uint8) *uint8 {
	return &seed
}

// ParseSeed 解析命令行给出的种子，-1 表示随机身份
func ParseSeed(v int) (*uint8, error) {
	switch {
	case v == -1:
		return nil, nil
	case v < 0 || v > 255:
		return nil, fmt.Errorf("seed must be in 0-255 or -1, got %d", v)
	default:
		return SeedValue(uint8(v)), nil
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.ListenMultiaddrs(); err != nil {
		return err
	}
	if c.Transport.DialTimeout <= 0 {
		return errors.New("transport.dial_timeout must be positive")
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return errors.New("transport.handshake_timeout must be positive")
	}
	if c.Identify.Timeout <= 0 {
		return errors.New("identify.timeout must be positive")
	}
	if c.Identify.ObservedAddrCacheSize <= 0 {
		return errors.New("identify.observed_addr_cache_size must be positive")
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := c.HolePunch.Validate(); err != nil {
		return fmt.Errorf("holepunch: %w", err)
	}
	return c.validatePerf()
}

func (c *Config) validatePerf() error {
	switch c.Perf.Mode {
	case "":
		return nil
	case ModeReceiver, ModeSender:
	default:
		return fmt.Errorf("perf.mode must be %q or %q, got %q", ModeSender, ModeReceiver, c.Perf.Mode)
	}

	if _, err := c.RelayMultiaddr(); err != nil {
		return err
	}
	if c.Perf.Mode == ModeReceiver {
		return nil
	}
	if _, err := c.RemotePeerID(); err != nil {
		return fmt.Errorf("perf.remote_peer: %w", err)
	}
	if c.Perf.Sessions <= 0 {
		return errors.New("perf.sessions must be positive")
	}
	if c.Perf.Timeout <= 0 {
		return errors.New("perf.timeout must be positive")
	}
	return nil
}

// ListenMultiaddrs 解析监听地址
func (c *Config) ListenMultiaddrs() ([]ma.Multiaddr, error) {
	addrs := make([]ma.Multiaddr, 0, len(c.Transport.ListenAddrs))
	for _, s := range c.Transport.ListenAddrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// RelayMultiaddr 解析中继地址，要求带 /p2p/<relayID>
func (c *Config) RelayMultiaddr() (ma.Multiaddr, error) {
	if c.Relay.Addr == "" {
		return nil, errors.New("relay.addr is required")
	}
	addr, err := ma.NewMultiaddr(c.Relay.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay addr %q: %w", c.Relay.Addr, err)
	}
	if _, _, err := types.SplitPeer(addr); err != nil {
		return nil, fmt.Errorf("relay addr %q: %w", c.Relay.Addr, err)
	}
	return addr, nil
}

// RemotePeerID 解析接收方 PeerID
func (c *Config) RemotePeerID() (types.PeerID, error) {
	return types.ParsePeerID(c.Perf.RemotePeer)
}
