package server

import "errors"

var (
	// ErrServerClosed 服务端已关闭
	ErrServerClosed = errors.New("relay server closed")

	// ErrConnectFailed 无法在持有者的控制连接上打开电路
	ErrConnectFailed = errors.New("connect to reservation holder failed")

	// ErrCircuitLimit 电路超过时长或字节上限
	ErrCircuitLimit = errors.New("circuit limit reached")

	// ErrDialSelf 拨号方与目标相同
	ErrDialSelf = errors.New("dialer and target are the same peer")
)
