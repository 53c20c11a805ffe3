package holepunch

import "errors"

var (
	// ErrCoordinatorClosed 协调器已关闭
	ErrCoordinatorClosed = errors.New("holepunch: coordinator closed")

	// ErrSuperseded 尝试被同一节点的新尝试替换
	ErrSuperseded = errors.New("holepunch: attempt superseded")

	// ErrUnexpectedMessage 收到与当前阶段不符的消息
	ErrUnexpectedMessage = errors.New("holepunch: unexpected message")

	// ErrRelayLost 地址交换完成前中继连接断开
	ErrRelayLost = errors.New("holepunch: relayed connection lost")

	// ErrNoConnection 到对端既没有直连也没有中继连接
	ErrNoConnection = errors.New("holepunch: no connection to peer")
)
