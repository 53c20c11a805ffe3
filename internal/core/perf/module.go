package perf

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Host      *host.Host
	Metrics   *metrics.Metrics `optional:"true"`
	Lifecycle fx.Lifecycle
}

// ConfigFromUnified 从统一配置创建服务配置
func ConfigFromUnified(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg != nil {
		c.Timeout = cfg.Perf.Timeout.Duration()
	}
	return c
}

// ProvideService 提供测速服务
func ProvideService(input ModuleInput) *Service {
	s := New(input.Host, ConfigFromUnified(input.Config), WithMetrics(input.Metrics))
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("perf",
		fx.Provide(ProvideService),
	)
}
