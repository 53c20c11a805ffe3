package natpmp

import (
	"context"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
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

// ProvideMapper 启用 NAT-PMP 时提供映射器，未启用或网关不可用时返回 nil
//
// nil 映射器的 Addrs 与 Close 可以安全调用。
func ProvideMapper(input ModuleInput) *Mapper {
	cfg := input.Config.NAT
	if !cfg.EnableNATPMP {
		return nil
	}
	m, err := New(Config{
		Gateway:  cfg.Gateway,
		Lifetime: cfg.MappingLifetime.Duration(),
	})
	if err != nil {
		log.Warn("NAT-PMP 不可用", "err", err)
		return nil
	}

	input.Lifecycle.Append(fx.Hook{
		// 在 host 启动之后执行，此时监听端口已确定
		OnStart: func(context.Context) error {
			for _, port := range tcpPorts(input.Host.ListenAddrs()) {
				if _, err := m.MapTCP(port); err != nil {
					log.Warn("NAT-PMP 映射失败", "port", port, "err", err)
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return m
}

func tcpPorts(addrs []ma.Multiaddr) []int {
	seen := make(map[int]bool)
	var ports []int
	for _, a := range addrs {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil || p == 0 || seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	return ports
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("natpmp",
		fx.Provide(ProvideMapper),
	)
}
