package app

import (
	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/internal/core/introspect"
	"github.com/dep2p/dcutr-perf/internal/core/metrics"
	"github.com/dep2p/dcutr-perf/internal/core/nat/holepunch"
	"github.com/dep2p/dcutr-perf/internal/core/nat/natpmp"
	"github.com/dep2p/dcutr-perf/internal/core/perf"
	"github.com/dep2p/dcutr-perf/internal/core/protocol/identify"
	"github.com/dep2p/dcutr-perf/internal/core/relay/client"
	"github.com/dep2p/dcutr-perf/internal/core/relay/server"
)

// ============================================================================
//                              模块集合
// ============================================================================

// FoundationModules 基础模块：身份、主机、identify、指标
//
// 两类节点都加载。
func FoundationModules() fx.Option {
	return fx.Options(
		identity.Module(),
		host.Module(),
		identify.Module(),
		metrics.Module(),
	)
}

// RelayNodeModules 中继节点模块
func RelayNodeModules() fx.Option {
	return fx.Options(
		FoundationModules(),
		server.Module(),
		introspect.Module(),
	)
}

// PeerNodeModules 测速节点模块
//
// natpmp 未启用时提供 nil 映射器，协调器忽略它。
// introspect 放在最后，配置了地址时最后启动。
func PeerNodeModules() fx.Option {
	return fx.Options(
		FoundationModules(),
		natpmp.Module(),
		client.Module(),
		holepunch.Module(),
		perf.Module(),
		introspect.Module(),
	)
}
