package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/nat/holepunch"
	"github.com/dep2p/dcutr-perf/internal/core/perf"
	"github.com/dep2p/dcutr-perf/internal/core/protocol/identify"
	"github.com/dep2p/dcutr-perf/internal/core/relay/client"
	"github.com/dep2p/dcutr-perf/internal/core/relay/server"
)

// Runtime 已通过 fx 组装并启动的节点
//
// 中继节点只填充 Relay；测速节点填充 RelayClient、HolePunch 与 Perf。
type Runtime struct {
	Config   *config.Config
	Host     *host.Host
	Identify *identify.Service
	Registry *prometheus.Registry

	Relay *server.Server

	RelayClient *client.Client
	HolePunch   *holepunch.Coordinator
	Perf        *perf.Service

	stop func(ctx context.Context) error
}

// Stop 停止运行时（触发 fx 生命周期 OnStop）
func (r *Runtime) Stop(ctx context.Context) error {
	if r.stop == nil {
		return nil
	}
	return r.stop(ctx)
}

// populateFoundation 取出两类节点共有的组件
func (r *Runtime) populateFoundation() fx.Option {
	return fx.Populate(&r.Config, &r.Host, &r.Identify, &r.Registry)
}

// populateRelay 取出中继节点组件
func (r *Runtime) populateRelay() fx.Option {
	return fx.Populate(&r.Relay)
}

// populatePeer 取出测速节点组件
func (r *Runtime) populatePeer() fx.Option {
	return fx.Populate(&r.RelayClient, &r.HolePunch, &r.Perf)
}
