package perf

import (
	"fmt"
	"time"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// Role 测速角色
type Role string

const (
	// RoleSender 发送方，负责计时
	RoleSender Role = "sender"
	// RoleReceiver 接收方，回传负载
	RoleReceiver Role = "receiver"
)

// 连接路径，用于指标标签
const (
	PathDirect  = "direct"
	PathRelayed = "relayed"
)

// Result 一次测速会话的结果
type Result struct {
	// ID 会话 ID
	ID string

	// Role 本地角色
	Role Role

	// Peer 对端
	Peer types.PeerID

	// Path 连接路径：direct 或 relayed
	Path string

	// Bytes 单向负载字节数 N
	Bytes uint64

	// Sent 实际发送的负载字节数
	Sent uint64

	// Received 实际接收的负载字节数
	Received uint64

	// Start 开始时间
	Start time.Time

	// End 结束时间
	End time.Time

	// Upload 发送方：开始到第一个回传字节；接收方：读取负载耗时
	Upload time.Duration

	// Download 发送方：第一个回传字节到结束；接收方：回写负载耗时
	Download time.Duration
}

// Elapsed 会话总耗时
func (r *Result) Elapsed() time.Duration {
	return r.End.Sub(r.Start)
}

// Bandwidth 往返带宽，字节/秒
func (r *Result) Bandwidth() float64 {
	return rate(2*r.Bytes, r.Elapsed())
}

// UploadBandwidth 上行带宽，字节/秒
func (r *Result) UploadBandwidth() float64 {
	return rate(r.Bytes, r.Upload)
}

// DownloadBandwidth 下行带宽，字节/秒
func (r *Result) DownloadBandwidth() float64 {
	return rate(r.Bytes, r.Download)
}

// Mbps 往返带宽，Mbit/s
func (r *Result) Mbps() float64 {
	return r.Bandwidth() * 8 / 1e6
}

// String 适合打印的摘要
func (r *Result) String() string {
	return fmt.Sprintf("%s up %s down %s (2N in %s, %s)",
		formatBytes(r.Bytes),
		formatBandwidth(r.UploadBandwidth()),
		formatBandwidth(r.DownloadBandwidth()),
		r.Elapsed().Round(time.Millisecond),
		formatBandwidth(r.Bandwidth()))
}

func rate(n uint64, d time.Duration) float64 {
	if n == 0 || d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func formatBytes(n uint64) string {
	const unit = 1000
	switch {
	case n >= unit*unit*unit:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	case n >= unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	case n >= unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatBandwidth(bytesPerSec float64) string {
	bits := bytesPerSec * 8
	switch {
	case bits >= 1e9:
		return fmt.Sprintf("%.2f Gbit/s", bits/1e9)
	case bits >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bits/1e6)
	case bits >= 1e3:
		return fmt.Sprintf("%.2f Kbit/s", bits/1e3)
	default:
		return fmt.Sprintf("%.0f bit/s", bits)
	}
}
