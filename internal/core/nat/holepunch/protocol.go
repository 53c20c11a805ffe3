package holepunch

import (
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/util/addrutil"
	"github.com/dep2p/dcutr-perf/pkg/lib/msgio"
	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto/holepunch"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

const maxMessageSize = 4 * 1024

// ============================================================================
//                              消息收发
// ============================================================================

// readMessage 在 timeout 内读取一条期望类型的消息
func readMessage(st *host.Stream, want pb.Type, timeout time.Duration) (*pb.HolePunch, error) {
	_ = st.SetReadDeadline(time.Now().Add(timeout))
	defer st.SetReadDeadline(time.Time{})

	var msg pb.HolePunch
	if err := msgio.ReadProto(st, &msg, maxMessageSize); err != nil {
		return nil, err
	}
	if msg.Type != want {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedMessage, want, msg.Type)
	}
	return &msg, nil
}

func writeMessage(st *host.Stream, msg *pb.HolePunch, timeout time.Duration) error {
	_ = st.SetWriteDeadline(time.Now().Add(timeout))
	defer st.SetWriteDeadline(time.Time{})
	return msgio.WriteProto(st, msg)
}

// ============================================================================
//                              候选地址
// ============================================================================

// usableCandidate 可用于直连拨号的地址：TCP、非中继、非通配
func usableCandidate(a ma.Multiaddr) bool {
	if a == nil || types.IsRelayed(a) {
		return false
	}
	if _, err := a.ValueForProtocol(ma.P_TCP); err != nil {
		return false
	}
	return addrutil.ScopeOf(a) != addrutil.ScopeInvalid
}

// mergeCandidates 去重合并，去掉 /p2p 后缀，按范围排序后最多保留 limit 个
//
// 公网地址排在前面，截断时优先丢弃回环与私网地址。
func mergeCandidates(limit int, sets ...[]ma.Multiaddr) []ma.Multiaddr {
	seen := make(map[string]struct{})
	var out []ma.Multiaddr
	for _, set := range sets {
		for _, a := range set {
			if _, rest, err := types.SplitPeer(a); err == nil {
				a = rest
			}
			if !usableCandidate(a) {
				continue
			}
			key := a.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, a)
		}
	}
	addrutil.SortByScope(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// encodeAddrs 编码为消息中的二进制地址
func encodeAddrs(addrs []ma.Multiaddr) [][]byte {
	out := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Bytes())
	}
	return out
}

// decodeAddrs 解析对端地址，跳过无法解析和不可拨号的地址
func decodeAddrs(raw [][]byte, limit int) []ma.Multiaddr {
	addrs := make([]ma.Multiaddr, 0, len(raw))
	for _, b := range raw {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			log.Debug("忽略无效候选地址", "err", err)
			continue
		}
		addrs = append(addrs, a)
	}
	return mergeCandidates(limit, addrs)
}
