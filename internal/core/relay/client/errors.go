package client

import "errors"

var (
	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("relay client closed")

	// ErrUnexpectedMessage 对端发送了意外的消息类型
	ErrUnexpectedMessage = errors.New("unexpected relay message")

	// ErrNotReserved 收到来自未预约中继的 STOP 请求
	ErrNotReserved = errors.New("stop from relay without reservation")
)
