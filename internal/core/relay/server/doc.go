// Package server 实现中继电路服务
//
// 中继帮助两个互相不可达的节点建立连接：
//
//   - 预约（RESERVE）：接收方在中继上登记自己，中继记录其控制连接
//   - 经中继拨号（CONNECT）：发送方请求连接已预约的节点，中继在
//     持有者的控制连接上打开 STOP 流，得到应答后把两条流拼接成电路
//   - 转发：电路两侧互相复制字节，直到任一侧关闭
//
// # 预约表
//
// 每个持有者最多一条有效预约。重复预约默认替换旧预约
// （ReplaceExisting=false 时返回 ErrAlreadyReserved）。
// 预约在 TTL 到期或控制连接断开时被移除；移除预约不会关闭
// 已经建立的电路。
//
// 同一持有者的预约变更串行执行，不同持有者互不阻塞。
//
// # 电路
//
// 同一 (dialer, target) 对最多一条活跃电路，新电路替换旧电路。
// 一侧读到 EOF 时中继半关闭另一侧，并在 GracePeriod 后强制
// 关闭两侧；任一侧出错立即关闭两侧。
//
// # 错误处理
//
// 格式错误的消息得到 STATUS MALFORMED_MESSAGE 应答，随后中继
// 关闭发送该消息的连接。单个节点的错误不会影响中继为其他节点服务。
package server
