package host

import (
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// NewTestHost 创建监听 127.0.0.1 随机端口的主机，测试结束时关闭
func NewTestHost(tb testing.TB, seed uint8) *Host {
	tb.Helper()

	id, err := identity.FromSeed(seed)
	if err != nil {
		tb.Fatalf("identity: %v", err)
	}
	h := New(id, Config{
		ListenAddrs:      []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")},
		PortReuse:        true,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	})
	if err := h.Start(); err != nil {
		tb.Fatalf("start host: %v", err)
	}
	tb.Cleanup(func() { _ = h.Close() })
	return h
}

// TestAddr 主机第一个监听地址加上 /p2p 后缀
func TestAddr(tb testing.TB, h *Host) ma.Multiaddr {
	tb.Helper()

	addrs := h.ListenAddrs()
	if len(addrs) == 0 {
		tb.Fatal("host has no listen address")
	}
	addr, err := types.WithPeer(addrs[0], h.ID())
	if err != nil {
		tb.Fatalf("with peer: %v", err)
	}
	return addr
}
