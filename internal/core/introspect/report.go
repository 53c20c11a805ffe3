package introspect

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              诊断报告
// ============================================================================

// Report 完整诊断报告
type Report struct {
	Node        NodeInfo         `json:"node"`
	Connections []ConnectionInfo `json:"connections"`
	Relay       *RelayInfo       `json:"relay,omitempty"`
	HolePunch   []AttemptInfo    `json:"holepunch,omitempty"`
	Perf        []PerfInfo       `json:"perf,omitempty"`
}

// NodeInfo 节点信息
type NodeInfo struct {
	PeerID        string   `json:"peer_id"`
	ListenAddrs   []string `json:"listen_addrs"`
	Addrs         []string `json:"addrs"`
	ObservedAddrs []string `json:"observed_addrs,omitempty"`
}

// ConnectionInfo 连接信息
type ConnectionInfo struct {
	ID         string    `json:"id"`
	Peer       string    `json:"peer"`
	RemoteAddr string    `json:"remote_addr"`
	Direction  string    `json:"direction"`
	Relayed    bool      `json:"relayed"`
	Opened     time.Time `json:"opened"`
}

// RelayInfo 中继服务端信息
type RelayInfo struct {
	Reservations []ReservationInfo `json:"reservations"`
	Circuits     int               `json:"circuits"`
}

// ReservationInfo 一条预约
type ReservationInfo struct {
	Holder  string    `json:"holder"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// AttemptInfo 一次打洞尝试
type AttemptInfo struct {
	ID          string   `json:"id"`
	Peer        string   `json:"peer"`
	Role        string   `json:"role"`
	State       string   `json:"state"`
	RTT         string   `json:"rtt,omitempty"`
	LocalAddrs  []string `json:"local_addrs,omitempty"`
	RemoteAddrs []string `json:"remote_addrs,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// PerfInfo 一次测速结果
type PerfInfo struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Peer      string  `json:"peer"`
	Path      string  `json:"path"`
	Bytes     uint64  `json:"bytes"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Mbps      float64 `json:"mbps"`
}

// HealthInfo 健康检查
type HealthInfo struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) report() Report {
	r := Report{
		Node:        s.node(),
		Connections: s.connections(),
	}
	if s.cfg.Relay != nil {
		info := s.relay()
		r.Relay = &info
	}
	if s.cfg.HolePunch != nil {
		r.HolePunch = s.attempts()
	}
	if s.cfg.Perf != nil {
		r.Perf = s.perfResults()
	}
	return r
}

func (s *Server) node() NodeInfo {
	h := s.cfg.Host
	info := NodeInfo{
		PeerID:      h.ID().String(),
		ListenAddrs: addrStrings(h.ListenAddrs()),
		Addrs:       addrStrings(h.Addrs()),
	}
	if s.cfg.Identify != nil {
		info.ObservedAddrs = addrStrings(s.cfg.Identify.ObservedAddrs())
	}
	return info
}

func (s *Server) connections() []ConnectionInfo {
	h := s.cfg.Host
	out := []ConnectionInfo{}
	for _, p := range h.Peers() {
		for _, c := range h.ConnsToPeer(p) {
			st := c.Stat()
			out = append(out, ConnectionInfo{
				ID:         c.ID(),
				Peer:       p.String(),
				RemoteAddr: c.RemoteMultiaddr().String(),
				Direction:  st.Direction.String(),
				Relayed:    st.Relayed,
				Opened:     st.Opened,
			})
		}
	}
	return out
}

func (s *Server) relay() RelayInfo {
	srv := s.cfg.Relay
	info := RelayInfo{
		Reservations: []ReservationInfo{},
		Circuits:     srv.Circuits(),
	}
	for _, r := range srv.Reservations().List() {
		info.Reservations = append(info.Reservations, ReservationInfo{
			Holder:  r.Holder.String(),
			Created: r.Created,
			Expires: r.Expires,
		})
	}
	return info
}

func (s *Server) attempts() []AttemptInfo {
	out := []AttemptInfo{}
	for _, a := range s.cfg.HolePunch.Attempts() {
		info := AttemptInfo{
			ID:          a.ID,
			Peer:        a.Peer.String(),
			Role:        a.Role.String(),
			State:       a.State().String(),
			LocalAddrs:  addrStrings(a.LocalAddrs()),
			RemoteAddrs: addrStrings(a.RemoteAddrs()),
		}
		if rtt := a.RTT(); rtt > 0 {
			info.RTT = rtt.String()
		}
		if err := a.Err(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) perfResults() []PerfInfo {
	out := []PerfInfo{}
	for _, r := range s.cfg.Perf.Results() {
		out = append(out, PerfInfo{
			ID:        r.ID,
			Role:      string(r.Role),
			Peer:      r.Peer.String(),
			Path:      r.Path,
			Bytes:     r.Bytes,
			ElapsedMs: r.Elapsed().Milliseconds(),
			Mbps:      r.Mbps(),
		})
	}
	return out
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
