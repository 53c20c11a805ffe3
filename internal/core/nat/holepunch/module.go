package holepunch

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/core/nat/natpmp"
	"github.com/dep2p/dcutr-perf/internal/core/protocol/identify"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Host      *host.Host
	Identify  *identify.Service `optional:"true"`
	Mapper    *natpmp.Mapper    `optional:"true"`
	Metrics   *metrics.Metrics  `optional:"true"`
	Lifecycle fx.Lifecycle
}

// ConfigFromUnified 从统一配置创建协调器配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	hp := cfg.HolePunch
	return Config{
		AddressExchangeTimeout: hp.AddressExchangeTimeout.Duration(),
		SyncTimeout:            hp.SyncTimeout.Duration(),
		DialRaceTimeout:        hp.DialRaceTimeout.Duration(),
		MaxSyncDelay:           hp.MaxSyncDelay.Duration(),
		MaxCandidates:          hp.MaxCandidates,
		CloseRelayedOnSuccess:  hp.CloseRelayedOnSuccess,
	}
}

// ProvideCoordinator 提供打洞协调器
//
// 打洞关闭时协调器不启动，Await 直接返回现有连接。
func ProvideCoordinator(input ModuleInput) *Coordinator {
	opts := []Option{WithMetrics(input.Metrics)}
	if input.Identify != nil {
		opts = append(opts, WithAddrSource(input.Identify.ObservedAddrs))
	}
	if input.Mapper != nil {
		opts = append(opts, WithAddrSource(input.Mapper.Addrs))
	}
	c := New(input.Host, ConfigFromUnified(input.Config), opts...)

	enabled := input.Config == nil || input.Config.HolePunch.Enable
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if !enabled {
				log.Info("打洞已关闭")
				return nil
			}
			return c.Start()
		},
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("holepunch",
		fx.Provide(ProvideCoordinator),
	)
}
