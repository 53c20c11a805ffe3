// Package upgrader 将原始连接升级为安全、多路复用的节点连接
//
// # 升级流程
//
//  1. multistream-select 协商安全协议（/noise）
//  2. Noise XX 握手，校验对端 PeerID
//  3. multistream-select 协商多路复用器（/yamux/1.0.0）
//  4. 建立 yamux 会话
//
// 原始连接既可以是 TCP 连接，也可以是经中继拼接的流；后者在中继之上
// 建立端到端加密，中继只能看到密文。
//
// 出站方向必须提供期望的 PeerID，入站方向可为空。
package upgrader
