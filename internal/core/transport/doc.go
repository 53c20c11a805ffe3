// Package transport 包含底层传输实现
//
// 目前只有 TCP（tcp 子包），出站连接可复用监听端口以支持 TCP 同时打开。
package transport
