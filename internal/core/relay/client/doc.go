// Package client 实现测速节点上的中继客户端
//
// 三项职责：
//
//   - 预约：Reserve 在中继上登记本节点，KeepReserved 在剩余有效期的
//     3/4 处续约，控制连接断开后立即重新预约
//   - 经中继拨号：DialThrough 请求中继连接目标，在得到的 HOP 流上
//     完成端到端 Noise + yamux 升级，期望身份为目标节点
//   - 接受电路：处理中继发来的 STOP 流，以服务端角色完成升级
//
// Start 之后客户端注册为主机的 /p2p-circuit 拨号器，
// host.Connect 遇到电路地址时交给客户端处理。
package client
