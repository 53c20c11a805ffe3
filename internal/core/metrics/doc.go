// Package metrics 提供 Prometheus 监控指标
//
// 指标分三组：
//
//	relay_*      中继预约与电路（中继节点）
//	holepunch_*  打洞尝试结果与耗时（测速节点）
//	perf_*       测速会话结果与带宽（测速节点）
//
// 所有采集器注册到注入的 prometheus.Registerer，不使用全局默认注册表，
// 因此测试可以为每个用例创建独立的 Registry。
//
// *Metrics 的方法允许 nil 接收者，未启用指标的组件传 nil 即可。
//
// # 导出
//
// 配置 metrics.listen_addr 后，Exporter 在该地址提供 /metrics：
//
//	relay-server -metrics :9090
//	curl localhost:9090/metrics
package metrics
