// Package addrutil 提供地址分类工具
package addrutil

import (
	"sort"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ============================================================================
//                              地址范围
// ============================================================================

// Scope 地址可达范围，数值越小越优先
type Scope int

const (
	// ScopePublic 公网单播地址
	ScopePublic Scope = iota
	// ScopeName DNS 名称，解析前无法判断
	ScopeName
	// ScopePrivate 私网与链路本地地址
	ScopePrivate
	// ScopeLoopback 回环地址
	ScopeLoopback
	// ScopeInvalid 通配地址或无法识别的地址
	ScopeInvalid
)

func (s Scope) String() string {
	switch s {
	case ScopePublic:
		return "public"
	case ScopeName:
		return "name"
	case ScopePrivate:
		return "private"
	case ScopeLoopback:
		return "loopback"
	default:
		return "invalid"
	}
}

// ScopeOf 判断地址范围
func ScopeOf(addr ma.Multiaddr) Scope {
	if addr == nil {
		return ScopeInvalid
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		if isName(addr) {
			return ScopeName
		}
		return ScopeInvalid
	}
	switch {
	case ip.IsUnspecified():
		return ScopeInvalid
	case ip.IsLoopback():
		return ScopeLoopback
	case ip.IsPrivate(), ip.IsLinkLocalUnicast():
		return ScopePrivate
	case ip.IsGlobalUnicast():
		return ScopePublic
	default:
		return ScopeInvalid
	}
}

func isName(addr ma.Multiaddr) bool {
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		return true
	}
	return false
}

// SortByScope 按范围稳定排序，公网地址在前
func SortByScope(addrs []ma.Multiaddr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return ScopeOf(addrs[i]) < ScopeOf(addrs[j])
	})
}
