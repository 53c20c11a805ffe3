// Package tcp 提供基于 TCP 的传输层实现
//
// 开启端口复用（PortReuse）时：
//   - 监听 socket 设置 SO_REUSEADDR / SO_REUSEPORT
//   - 出站连接绑定到同一监听端口，NAT 为出站连接建立的映射
//     与对外公布的监听地址一致，这是 TCP 同时打开的前提
//   - 绑定失败时回退为随机端口拨号
//
// TCP 不提供多路复用，连接需要经过 upgrader 完成安全握手与复用协商。
//
// # 使用示例
//
//	t := tcp.New(tcp.Config{PortReuse: true, DialTimeout: 10 * time.Second})
//	l, err := t.Listen(ma.StringCast("/ip4/0.0.0.0/tcp/4001"))
//	conn, err := t.Dial(ctx, ma.StringCast("/ip4/1.2.3.4/tcp/4001"))
package tcp
