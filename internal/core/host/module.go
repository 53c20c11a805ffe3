package host

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/identity"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Identity  *identity.Identity
	Lifecycle fx.Lifecycle
}

// ConfigFromUnified 从统一配置创建 Host 配置
func ConfigFromUnified(cfg *config.Config) (Config, error) {
	addrs, err := cfg.ListenMultiaddrs()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ListenAddrs:      addrs,
		PortReuse:        cfg.Transport.PortReuse,
		DialTimeout:      cfg.Transport.DialTimeout.Duration(),
		HandshakeTimeout: cfg.Transport.HandshakeTimeout.Duration(),
	}, nil
}

// ProvideHost 提供 Host，并注册启动与关闭钩子
func ProvideHost(input ModuleInput) (*Host, error) {
	cfg, err := ConfigFromUnified(input.Config)
	if err != nil {
		return nil, err
	}
	h := New(input.Identity, cfg)

	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return h.Start()
		},
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("host",
		fx.Provide(ProvideHost),
	)
}
