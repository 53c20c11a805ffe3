package identify

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/host"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Host      *host.Host
	Lifecycle fx.Lifecycle
}

// ProvideService 提供 identify 服务
func ProvideService(input ModuleInput) (*Service, error) {
	svc, err := New(input.Host, Config{
		Timeout:   input.Config.Identify.Timeout.Duration(),
		CacheSize: input.Config.Identify.ObservedAddrCacheSize,
	})
	if err != nil {
		return nil, err
	}
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			svc.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			svc.Stop()
			return nil
		},
	})
	return svc, nil
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("identify",
		fx.Provide(ProvideService),
	)
}
