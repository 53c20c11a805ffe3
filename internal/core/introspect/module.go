package introspect

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/nat/holepunch"
	"github.com/dep2p/dcutr-perf/internal/core/perf"
	"github.com/dep2p/dcutr-perf/internal/core/protocol/identify"
	"github.com/dep2p/dcutr-perf/internal/core/relay/server"
)

// ModuleInput 模块输入
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Host      *host.Host
	Identify  *identify.Service      `optional:"true"`
	Relay     *server.Server         `optional:"true"`
	HolePunch *holepunch.Coordinator `optional:"true"`
	Perf      *perf.Service          `optional:"true"`
	Lifecycle fx.Lifecycle
}

// register 未配置监听地址时不启动
func register(in ModuleInput) {
	if in.Config == nil || in.Config.Metrics.IntrospectAddr == "" {
		return
	}
	s := New(Config{
		Addr:      in.Config.Metrics.IntrospectAddr,
		Host:      in.Host,
		Identify:  in.Identify,
		Relay:     in.Relay,
		HolePunch: in.HolePunch,
		Perf:      in.Perf,
	})
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}

// Module 返回 introspect fx 模块
func Module() fx.Option {
	return fx.Module("introspect",
		fx.Invoke(register),
	)
}
