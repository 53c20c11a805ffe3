package host

import (
	"github.com/dep2p/dcutr-perf/internal/core/muxer/yamux"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// StreamHandler 入站流处理器，返回后流不会被自动关闭
type StreamHandler func(s *Stream)

// Stream 连接上的一条协议流
//
// 实现 net.Conn，并提供 CloseWrite 半关闭。
type Stream struct {
	*yamux.Stream

	conn     *Conn
	protocol types.ProtocolID
}

// Conn 所属连接
func (s *Stream) Conn() *Conn {
	return s.conn
}

// Protocol 协商得到的协议
func (s *Stream) Protocol() types.ProtocolID {
	return s.protocol
}
