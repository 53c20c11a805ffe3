// Package yamux 在安全连接上提供 yamux 多路复用
//
// 流的 CloseWrite 发送 FIN 后仍可继续读取，直到对端也关闭写方向，
// 测速协议的回显与中继电路的拼接都依赖这一半关闭语义。
// Close 同时关闭读写两个方向，Reset 向对端发送 RST。
package yamux
