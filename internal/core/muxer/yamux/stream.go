package yamux

import (
	"github.com/libp2p/go-yamux/v5"
)

// Stream 封装 yamux.Stream，实现 net.Conn
//
// CloseWrite / CloseRead / Reset 直接使用 yamux 的实现。
type Stream struct {
	*yamux.Stream
}

// ID 流 ID
func (s *Stream) ID() uint32 {
	return s.StreamID()
}
