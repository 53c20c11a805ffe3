// Package host 管理节点连接、流与协议处理器
//
// Host 聚合 TCP 传输与连接升级器：
//   - 监听入站连接并以服务端角色升级
//   - 按地址拨号（/p2p 后缀给出期望身份；/p2p-circuit 地址交给已注册的
//     CircuitDialer）
//   - 为每条连接接受入站流，经 multistream-select 分发到协议处理器
//   - 连接建立与断开时通知 Notifiee
//
// 同一节点可同时存在中继连接与直连，BestConn 优先返回直连。
package host
