// Package identify 定义身份识别消息
//
// 字段编号:
//
//	1 public_key      bytes
//	2 listen_addrs    repeated bytes
//	3 protocols       repeated string
//	4 observed_addr   bytes
//	5 protocol_version string
//	6 agent_version   string
package identify

import (
	"google.golang.org/protobuf/encoding/protowire"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
)

// Identify 身份识别消息
type Identify struct {
	PublicKey       []byte
	ListenAddrs     [][]byte
	Protocols       []string
	ObservedAddr    []byte
	ProtocolVersion string
	AgentVersion    string
}

// Marshal 序列化
func (m *Identify) Marshal() ([]byte, error) {
	var b []byte
	b = pb.AppendBytes(b, 1, m.PublicKey)
	for _, a := range m.ListenAddrs {
		b = pb.AppendBytes(b, 2, a)
	}
	for _, p := range m.Protocols {
		b = pb.AppendBytes(b, 3, []byte(p))
	}
	b = pb.AppendBytes(b, 4, m.ObservedAddr)
	b = pb.AppendBytes(b, 5, []byte(m.ProtocolVersion))
	b = pb.AppendBytes(b, 6, []byte(m.AgentVersion))
	return b, nil
}

// Unmarshal 反序列化
func (m *Identify) Unmarshal(data []byte) error {
	*m = Identify{}
	return pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 6 {
			return -1, nil
		}
		v, n, err := pb.ConsumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m.PublicKey = v
		case 2:
			m.ListenAddrs = append(m.ListenAddrs, v)
		case 3:
			m.Protocols = append(m.Protocols, string(v))
		case 4:
			m.ObservedAddr = v
		case 5:
			m.ProtocolVersion = string(v)
		case 6:
			m.AgentVersion = string(v)
		}
		return n, nil
	})
}
