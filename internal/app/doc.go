// Package app 提供 dcutr-perf 应用编排层
//
// app 包负责：
//   - 按节点类型组装 fx 模块（中继节点、测速节点）
//   - 日志初始化与生命周期管理
//   - 测速节点的发送方 / 接收方流程
//
// 中继节点只运行 host、identify 与中继服务端；测速节点在此之上运行
// 中继客户端、打洞协调器与测速服务。
//
// 使用示例:
//
//	b := app.NewBootstrap(cfg)
//	rt, err := b.Start(ctx)
//	if err != nil { ... }
//	defer rt.Stop(context.Background())
//	report, err := app.RunSender(ctx, rt)
package app
