// Package identify 实现身份识别协议
//
// 连接建立后，拨号方打开 identify 流，对端回复一条消息：
// 身份公钥、监听地址、支持的协议，以及对端看到的拨号方地址（观测地址）。
//
// 观测地址记录在 LRU 缓存中。在 NAT 之后的节点通过与公网中继的直连
// 得知自己的外部地址，并把它作为打洞候选地址提供给对端。
package identify
