// Package holepunch 定义打洞协调消息
//
// 字段编号:
//
//	1 type      varint (必填)
//	2 obs_addrs repeated bytes
//	3 rtt_nanos varint (仅 SYNC)
package holepunch

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
)

// Type 消息类型
type Type int32

const (
	// TypeConnect 携带候选地址
	TypeConnect Type = 100
	// TypeSync 应答方发出的同步信号
	TypeSync Type = 300
	// TypeAck 发起方对同步信号的确认
	TypeAck Type = 400
)

// String 返回类型名
func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeSync:
		return "SYNC"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// HolePunch 打洞消息
type HolePunch struct {
	Type     Type
	ObsAddrs [][]byte
	RTTNanos uint64
}

// Marshal 序列化
func (m *HolePunch) Marshal() ([]byte, error) {
	var b []byte
	b = pb.AppendVarint(b, 1, uint64(m.Type))
	for _, a := range m.ObsAddrs {
		b = pb.AppendBytes(b, 2, a)
	}
	if m.RTTNanos > 0 {
		b = pb.AppendVarint(b, 3, m.RTTNanos)
	}
	return b, nil
}

// Unmarshal 反序列化，type 缺失或未知时返回 ErrMalformed
func (m *HolePunch) Unmarshal(data []byte) error {
	*m = HolePunch{}
	hasType := false
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.Type = Type(v)
			hasType = err == nil
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err == nil {
				m.ObsAddrs = append(m.ObsAddrs, v)
			}
			return n, err
		case 3:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.RTTNanos = v
			return n, err
		default:
			return -1, nil
		}
	})
	if err != nil {
		return err
	}
	if !hasType {
		return fmt.Errorf("%w: holepunch message without type", pb.ErrMalformed)
	}
	switch m.Type {
	case TypeConnect, TypeSync, TypeAck:
		return nil
	default:
		return fmt.Errorf("%w: holepunch type %d", pb.ErrMalformed, m.Type)
	}
}
