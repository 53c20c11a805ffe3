// Package protocolids 是所有协议 ID 的唯一来源
//
// 所有模块、测试与命令行工具引用本包常量，不在其他位置写协议字面量。
//
// 命名规范: /dcutr-perf/{name}/{version}，传输层协商使用的
// 安全与复用协议沿用各自的通用 ID（/noise, /yamux/1.0.0）。
package protocolids
