package upgrader

import "errors"

var (
	// ErrNoPeerID 出站升级缺少期望的 PeerID
	ErrNoPeerID = errors.New("upgrader: outbound connection requires remote peer ID")

	// ErrNegotiationFailed 协商出的协议不受支持
	ErrNegotiationFailed = errors.New("upgrader: protocol negotiation failed")
)
