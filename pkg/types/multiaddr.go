package types

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// circuitComponent 即 /p2p-circuit
var circuitComponent = ma.StringCast("/p2p-circuit")

// P2PComponent 构造 /p2p/<id> 组件
func P2PComponent(id PeerID) (ma.Multiaddr, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	c, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WithPeer 在地址末尾追加 /p2p/<id>，已有相同后缀时原样返回
func WithPeer(addr ma.Multiaddr, id PeerID) (ma.Multiaddr, error) {
	if existing, rest, err := SplitPeer(addr); err == nil {
		if existing == id {
			return addr, nil
		}
		addr = rest
	}
	p2p, err := P2PComponent(id)
	if err != nil {
		return nil, err
	}
	return addr.Encapsulate(p2p), nil
}

// SplitPeer 拆出地址末尾的 /p2p/<id>
//
// 返回的 rest 为去掉该组件后的地址，只有 /p2p/<id> 时 rest 为 nil。
func SplitPeer(addr ma.Multiaddr) (PeerID, ma.Multiaddr, error) {
	if addr == nil {
		return EmptyPeerID, nil, ErrMissingPeerID
	}
	rest, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return EmptyPeerID, nil, ErrMissingPeerID
	}
	id, err := PeerIDFromBytes(last.RawValue())
	if err != nil {
		return EmptyPeerID, nil, err
	}
	return id, rest, nil
}

// IsRelayed 判断地址是否经过中继
func IsRelayed(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// CircuitAddr 构造 <relay>/p2p-circuit/p2p/<target>
//
// relay 必须以 /p2p/<relayID> 结尾；target 为空时只返回监听用的
// <relay>/p2p-circuit。
func CircuitAddr(relay ma.Multiaddr, target PeerID) (ma.Multiaddr, error) {
	if _, _, err := SplitPeer(relay); err != nil {
		return nil, fmt.Errorf("%w: relay %s: %v", ErrInvalidCircuitAddr, relay, err)
	}
	addr := relay.Encapsulate(circuitComponent)
	if target.IsEmpty() {
		return addr, nil
	}
	return WithPeer(addr, target)
}

// SplitCircuit 拆分 <relay>/p2p-circuit/p2p/<target>
//
// 返回带 /p2p/<relayID> 的中继地址、中继 ID 与目标 ID。
func SplitCircuit(addr ma.Multiaddr) (relay ma.Multiaddr, relayID PeerID, target PeerID, err error) {
	target, rest, err := SplitPeer(addr)
	if err != nil || rest == nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrInvalidCircuitAddr, addr)
	}
	relay, last := ma.SplitLast(rest)
	if last == nil || last.Protocol().Code != ma.P_CIRCUIT || relay == nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrInvalidCircuitAddr, addr)
	}
	relayID, _, err = SplitPeer(relay)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrInvalidCircuitAddr, addr)
	}
	return relay, relayID, target, nil
}
