package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config    *config.Config
	Lifecycle fx.Lifecycle
}

// ModuleOutput 模块输出
type ModuleOutput struct {
	fx.Out

	Registry *prometheus.Registry
	Metrics  *Metrics
}

// ProvideMetrics 提供注册表与采集器，配置了监听地址时启动导出器
func ProvideMetrics(input ModuleInput) ModuleOutput {
	reg := NewRegistry()
	m := New(reg)

	if addr := input.Config.Metrics.ListenAddr; addr != "" {
		exp := NewExporter(addr, reg)
		input.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error { return exp.Start() },
			OnStop:  exp.Stop,
		})
	}
	return ModuleOutput{Registry: reg, Metrics: m}
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(ProvideMetrics),
	)
}
