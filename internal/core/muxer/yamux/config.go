package yamux

import (
	"io"
	"math"

	"github.com/libp2p/go-yamux/v5"
)

// DefaultConfig 返回默认的 yamux 配置
//
// 窗口设为 16MB，避免中继链路上的高带宽延迟积限制吞吐。
func DefaultConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = uint32(16 * 1024 * 1024)
	cfg.LogOutput = io.Discard
	// 安全层已有缓冲
	cfg.ReadBufSize = 0
	cfg.MaxIncomingStreams = math.MaxUint32
	return cfg
}
