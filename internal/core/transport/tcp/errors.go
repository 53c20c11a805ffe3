package tcp

import "errors"

var (
	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("tcp transport closed")

	// ErrUnsupportedAddr 不是可直接拨号的 TCP 地址
	ErrUnsupportedAddr = errors.New("unsupported tcp address")
)
