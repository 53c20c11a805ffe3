package host

import "errors"

var (
	// ErrHostClosed 主机已关闭
	ErrHostClosed = errors.New("host: closed")

	// ErrNoConnection 与目标节点没有可用连接
	ErrNoConnection = errors.New("host: no connection to peer")

	// ErrDialSelf 拨号目标是自己
	ErrDialSelf = errors.New("host: dial to self attempted")

	// ErrNoCircuitDialer 未注册中继拨号器，无法拨号 /p2p-circuit 地址
	ErrNoCircuitDialer = errors.New("host: no circuit dialer registered")

	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("host: connection closed")
)
