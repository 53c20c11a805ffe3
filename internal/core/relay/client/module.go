package client

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

// ConfigFromUnified 从统一配置创建客户端配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return Config{
		ReservationTTL: cfg.Relay.Client.ReservationTTL.Duration(),
		ConnectTimeout: cfg.Relay.Client.ConnectTimeout.Duration(),
	}
}

// ProvideClient 提供中继客户端
func ProvideClient(input ModuleInput) *Client {
	c := New(input.Host, ConfigFromUnified(input.Config))
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
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
	return fx.Module("relay.client",
		fx.Provide(ProvideClient),
	)
}
