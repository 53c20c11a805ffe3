package server

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

// ConfigFromUnified 从统一配置创建服务端配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	s := cfg.Relay.Server
	return Config{
		MaxReservations:    s.MaxReservations,
		ReservationTTL:     s.ReservationTTL.Duration(),
		MaxReservationTTL:  s.MaxReservationTTL.Duration(),
		ReplaceExisting:    s.ReplaceExisting,
		ReserveRate:        s.ReserveRate,
		MaxCircuits:        s.MaxCircuits,
		MaxCircuitsPerPeer: s.MaxCircuitsPerPeer,
		MaxCircuitDuration: s.MaxCircuitDuration.Duration(),
		MaxCircuitBytes:    s.MaxCircuitBytes,
		DataRate:           s.DataRate,
		GracePeriod:        s.GracePeriod.Duration(),
		ConnectTimeout:     s.ConnectTimeout.Duration(),
		GCInterval:         s.GCInterval.Duration(),
	}
}

// ProvideServer 提供中继服务端
func ProvideServer(input ModuleInput) (*Server, error) {
	s, err := New(input.Host, ConfigFromUnified(input.Config), WithMetrics(input.Metrics))
	if err != nil {
		return nil, err
	}
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(context.Context) error {
			return s.Stop()
		},
	})
	return s, nil
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("relay.server",
		fx.Provide(ProvideServer),
		// 中继节点没有其他组件依赖 *Server，显式触发构造
		fx.Invoke(func(*Server) {}),
	)
}
