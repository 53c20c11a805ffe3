package perf

import "errors"

var (
	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("perf: service closed")

	// ErrPayloadTooLarge 请求的字节数超过接收方上限
	ErrPayloadTooLarge = errors.New("perf: payload too large")

	// ErrTooManySessions 接收方同时进行的会话已达上限
	ErrTooManySessions = errors.New("perf: too many sessions")

	// ErrNoConnection 没有到对端的连接
	ErrNoConnection = errors.New("perf: no connection to peer")
)
