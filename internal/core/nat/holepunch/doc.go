// Package holepunch 实现经中继连接的直连升级（打洞协调）
//
// 两个节点通过中继建立连接后，协调器在这条中继连接上交换候选地址，
// 约定同一时刻双方同时发起 TCP 拨号（simultaneous open），使两侧
// NAT 都记录出站映射并放行对端的包。
//
// # 角色
//
//   - 发起方（initiator）：经中继拨出连接的一方
//   - 响应方（responder）：经中继接受连接的一方，负责打开打洞流
//
// # 协议流程
//
//  1. 响应方发送 CONNECT{候选地址}，发起方回复 CONNECT{候选地址}
//  2. 响应方以 CONNECT 往返时间为 RTT，发送 SYNC{rtt}
//  3. 发起方回复 ACK，等待 min(rtt/2, MaxSyncDelay) 后开始拨号
//  4. 响应方收到 ACK 后立即拨号
//
// 发起方以客户端角色、响应方以服务端角色完成安全握手，simultaneous
// open 得到的单条 TCP 连接只需一次握手。对端的拨号落在本地监听器上时，
// 入站连接按同样的角色约定升级。
//
// # 竞速
//
// 对每个远端候选地址并发拨号，期间来自对端的入站直连同样计入；
// 第一条通过身份校验的直连获胜，其余拨号被取消。竞速失败时保留中继
// 连接，失败原因只通过 Result.Err 与指标报告，不作为错误返回。
//
// 同一节点对同时最多一个进行中的尝试，新的中继连接会替换旧尝试。
package holepunch
