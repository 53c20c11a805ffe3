package protocolids

import (
	"strings"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// Prefix 本项目协议前缀
const Prefix = "/dcutr-perf/"

// ----------------------------------------------------------------------------
// 连接升级
// ----------------------------------------------------------------------------

// Noise 安全握手协议
const Noise types.ProtocolID = "/noise"

// Yamux 流复用协议
const Yamux types.ProtocolID = "/yamux/1.0.0"

// ----------------------------------------------------------------------------
// 系统协议
// ----------------------------------------------------------------------------

// Identify 交换监听地址与观测地址
const Identify types.ProtocolID = "/dcutr-perf/identify/1.0.0"

// RelayHop 中继客户端与中继之间的预约/拨号协议
const RelayHop types.ProtocolID = "/dcutr-perf/relay/hop/1.0.0"

// RelayStop 中继通知预约持有者接受电路的协议
const RelayStop types.ProtocolID = "/dcutr-perf/relay/stop/1.0.0"

// HolePunch 经中继连接交换候选地址并同步拨号
const HolePunch types.ProtocolID = "/dcutr-perf/holepunch/1.0.0"

// Perf 测速协议
const Perf types.ProtocolID = "/dcutr-perf/perf/1.0.0"

// All 返回全部应用层协议 ID
func All() []types.ProtocolID {
	return []types.ProtocolID{Identify, RelayHop, RelayStop, HolePunch, Perf}
}

// IsOwn 判断协议是否属于本项目命名空间
func IsOwn(p types.ProtocolID) bool {
	return strings.HasPrefix(string(p), Prefix)
}
