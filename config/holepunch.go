package config

import (
	"errors"
	"time"
)

// HolePunchConfig 打洞协调配置
type HolePunchConfig struct {
	// Enable 启用打洞；关闭时经中继的连接直接交给测速
	Enable bool `json:"enable"`

	// AddressExchangeTimeout 等待对端打开打洞流并完成地址交换的超时
	AddressExchangeTimeout Duration `json:"address_exchange_timeout"`

	// SyncTimeout SYNC/ACK 同步握手超时
	SyncTimeout Duration `json:"sync_timeout"`

	// DialRaceTimeout 整个拨号竞速的超时
	DialRaceTimeout Duration `json:"dial_race_timeout"`

	// MaxSyncDelay 发起方按 RTT/2 延迟拨号的上限
	MaxSyncDelay Duration `json:"max_sync_delay"`

	// MaxCandidates 发送与拨号的候选地址上限
	MaxCandidates int `json:"max_candidates"`

	// CloseRelayedOnSuccess 直连成功后关闭中继连接；默认保留作为后备
	CloseRelayedOnSuccess bool `json:"close_relayed_on_success"`

	// RequireDirect 打洞失败时发送方放弃测速
	RequireDirect bool `json:"require_direct"`
}

// DefaultHolePunchConfig 返回默认打洞配置
func DefaultHolePunchConfig() HolePunchConfig {
	return HolePunchConfig{
		Enable:                 true,
		AddressExchangeTimeout: Duration(15 * time.Second),
		SyncTimeout:            Duration(10 * time.Second),
		DialRaceTimeout:        Duration(10 * time.Second),
		MaxSyncDelay:           Duration(2 * time.Second),
		MaxCandidates:          16,
	}
}

// Validate 验证打洞配置
func (c *HolePunchConfig) Validate() error {
	if c.AddressExchangeTimeout <= 0 || c.SyncTimeout <= 0 || c.DialRaceTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.MaxSyncDelay < 0 {
		return errors.New("max_sync_delay must not be negative")
	}
	if c.MaxCandidates <= 0 {
		return errors.New("max_candidates must be positive")
	}
	return nil
}
