package config

import (
	"errors"
	"time"
)

// RelayConfig 中继配置
//
// 中继节点使用 Server 部分；测速节点使用 Addr 与 Client 部分。
type RelayConfig struct {
	// Addr 中继地址，格式 /ip4/1.2.3.4/tcp/4001/p2p/<relayID>
	Addr string `json:"addr,omitempty"`

	// Server 服务端配置
	Server RelayServerConfig `json:"server"`

	// Client 客户端配置
	Client RelayClientConfig `json:"client"`
}

// RelayServerConfig 中继服务端配置
type RelayServerConfig struct {
	// MaxReservations 同时有效的预约上限，0 表示不限制
	MaxReservations int `json:"max_reservations"`

	// ReservationTTL 客户端未指定时的预约有效期
	ReservationTTL Duration `json:"reservation_ttl"`

	// MaxReservationTTL 客户端可请求的最长有效期
	MaxReservationTTL Duration `json:"max_reservation_ttl"`

	// ReplaceExisting 同一持有者重复预约时替换旧预约；false 时拒绝
	ReplaceExisting bool `json:"replace_existing"`

	// ReserveRate 每个节点每秒允许的预约请求数
	ReserveRate float64 `json:"reserve_rate"`

	// MaxCircuits 活跃电路上限，0 表示不限制
	MaxCircuits int `json:"max_circuits"`

	// MaxCircuitsPerPeer 单个节点（作为任一端）的活跃电路上限，0 表示不限制
	MaxCircuitsPerPeer int `json:"max_circuits_per_peer"`

	// MaxCircuitDuration 单个电路最长存活时间，0 表示不限制
	MaxCircuitDuration Duration `json:"max_circuit_duration"`

	// MaxCircuitBytes 单个电路单方向最多转发字节数，0 表示不限制
	MaxCircuitBytes int64 `json:"max_circuit_bytes"`

	// DataRate 单个电路单方向转发速率（字节/秒），0 表示不限制
	DataRate int `json:"data_rate"`

	// GracePeriod 一侧关闭后等待另一侧排空的时间
	GracePeriod Duration `json:"grace_period"`

	// ConnectTimeout 打开 STOP 流并等待持有者应答的超时
	ConnectTimeout Duration `json:"connect_timeout"`

	// GCInterval 清理过期预约的周期
	GCInterval Duration `json:"gc_interval"`
}

// RelayClientConfig 中继客户端配置
type RelayClientConfig struct {
	// ReservationTTL 请求的预约有效期
	ReservationTTL Duration `json:"reservation_ttl"`

	// ConnectTimeout 预约与经中继拨号的超时
	ConnectTimeout Duration `json:"connect_timeout"`
}

// DefaultRelayConfig 返回默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Server: RelayServerConfig{
			MaxReservations:    128,
			ReservationTTL:     Duration(time.Hour),
			MaxReservationTTL:  Duration(time.Hour),
			ReplaceExisting:    true,
			ReserveRate:        1,
			MaxCircuits:        64,
			MaxCircuitsPerPeer: 8,
			GracePeriod:        Duration(5 * time.Second),
			ConnectTimeout:     Duration(10 * time.Second),
			GCInterval:         Duration(time.Minute),
		},
		Client: RelayClientConfig{
			ReservationTTL: Duration(time.Hour),
			ConnectTimeout: Duration(15 * time.Second),
		},
	}
}

// Validate 验证中继配置
func (c *RelayConfig) Validate() error {
	s := c.Server
	if s.MaxReservations < 0 || s.MaxCircuits < 0 || s.MaxCircuitsPerPeer < 0 {
		return errors.New("limits must not be negative")
	}
	if s.ReservationTTL <= 0 {
		return errors.New("server.reservation_ttl must be positive")
	}
	if s.MaxReservationTTL < s.ReservationTTL {
		return errors.New("server.max_reservation_ttl must be >= reservation_ttl")
	}
	if s.ReserveRate < 0 || s.DataRate < 0 || s.MaxCircuitBytes < 0 || s.MaxCircuitDuration < 0 {
		return errors.New("rate and byte limits must not be negative")
	}
	if s.GracePeriod <= 0 || s.ConnectTimeout <= 0 || s.GCInterval <= 0 {
		return errors.New("server timeouts must be positive")
	}
	if c.Client.ReservationTTL <= 0 || c.Client.ConnectTimeout <= 0 {
		return errors.New("client timeouts must be positive")
	}
	return nil
}
