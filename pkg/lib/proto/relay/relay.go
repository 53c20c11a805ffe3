// Package relay 定义中继 HOP / STOP 消息
//
// 字段编号与 circuit relay v2 保持一致:
//
//	HopMessage  { 1 type; 2 peer; 3 reservation; 4 limit; 5 status; 6 ttl_seconds }
//	StopMessage { 1 type; 2 peer; 3 limit; 4 status }
//	Peer        { 1 id; 2 addrs }
//	Reservation { 1 expire (unix seconds); 2 addrs }
//	Limit       { 1 duration (seconds); 2 data (bytes) }
//
// HopMessage.ttl_seconds 为预约请求携带的期望有效期，中继会按上限截断。
package relay

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
)

// ============================================================================
//                              枚举
// ============================================================================

// HopType HOP 消息类型
type HopType int32

const (
	// HopReserve 预约请求
	HopReserve HopType = 0
	// HopConnect 经中继拨号请求
	HopConnect HopType = 1
	// HopStatus 响应
	HopStatus HopType = 2
)

// String 返回类型名
func (t HopType) String() string {
	switch t {
	case HopReserve:
		return "RESERVE"
	case HopConnect:
		return "CONNECT"
	case HopStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// StopType STOP 消息类型
type StopType int32

const (
	// StopConnect 通知持有者接受电路
	StopConnect StopType = 0
	// StopStatus 响应
	StopStatus StopType = 1
)

// String 返回类型名
func (t StopType) String() string {
	switch t {
	case StopConnect:
		return "CONNECT"
	case StopStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Status 状态码
type Status int32

const (
	StatusUnused                Status = 0
	StatusOK                    Status = 100
	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204
	StatusMalformedMessage      Status = 400
	StatusUnexpectedMessage     Status = 401
)

// String 返回状态名
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusReservationRefused:
		return "RESERVATION_REFUSED"
	case StatusResourceLimitExceeded:
		return "RESOURCE_LIMIT_EXCEEDED"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusConnectionFailed:
		return "CONNECTION_FAILED"
	case StatusNoReservation:
		return "NO_RESERVATION"
	case StatusMalformedMessage:
		return "MALFORMED_MESSAGE"
	case StatusUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// ============================================================================
//                              子消息
// ============================================================================

// Peer 节点信息
type Peer struct {
	ID    []byte
	Addrs [][]byte
}

func (p *Peer) marshal() []byte {
	var b []byte
	b = pb.AppendBytes(b, 1, p.ID)
	for _, a := range p.Addrs {
		b = pb.AppendBytes(b, 2, a)
	}
	return b
}

func (p *Peer) unmarshal(data []byte) error {
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeBytes(typ, b)
			p.ID = v
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err == nil {
				p.Addrs = append(p.Addrs, v)
			}
			return n, err
		default:
			return -1, nil
		}
	})
	if err != nil {
		return err
	}
	if len(p.ID) == 0 {
		return fmt.Errorf("%w: peer without id", pb.ErrMalformed)
	}
	return nil
}

// Reservation 预约信息
type Reservation struct {
	Expire uint64
	Addrs  [][]byte
}

func (r *Reservation) marshal() []byte {
	var b []byte
	b = pb.AppendVarint(b, 1, r.Expire)
	for _, a := range r.Addrs {
		b = pb.AppendBytes(b, 2, a)
	}
	return b
}

func (r *Reservation) unmarshal(data []byte) error {
	return pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			r.Expire = v
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err == nil {
				r.Addrs = append(r.Addrs, v)
			}
			return n, err
		default:
			return -1, nil
		}
	})
}

// Limit 电路限制，零值表示不限制
type Limit struct {
	Duration uint32
	Data     uint64
}

func (l *Limit) marshal() []byte {
	var b []byte
	if l.Duration > 0 {
		b = pb.AppendVarint(b, 1, uint64(l.Duration))
	}
	if l.Data > 0 {
		b = pb.AppendVarint(b, 2, l.Data)
	}
	return b
}

func (l *Limit) unmarshal(data []byte) error {
	return pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			l.Duration = uint32(v)
			return n, err
		case 2:
			v, n, err := pb.ConsumeVarint(typ, b)
			l.Data = v
			return n, err
		default:
			return -1, nil
		}
	})
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// ============================================================================
//                              HopMessage
// ============================================================================

// HopMessage 客户端与中继之间的消息
type HopMessage struct {
	Type        HopType
	Peer        *Peer
	Reservation *Reservation
	Limit       *Limit
	Status      Status
	TTLSeconds  uint64
}

// Marshal 序列化
func (m *HopMessage) Marshal() ([]byte, error) {
	var b []byte
	b = pb.AppendVarint(b, 1, uint64(m.Type))
	if m.Peer != nil {
		b = appendMessage(b, 2, m.Peer.marshal())
	}
	if m.Reservation != nil {
		b = appendMessage(b, 3, m.Reservation.marshal())
	}
	if m.Limit != nil {
		b = appendMessage(b, 4, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = pb.AppendVarint(b, 5, uint64(m.Status))
	}
	if m.TTLSeconds > 0 {
		b = pb.AppendVarint(b, 6, m.TTLSeconds)
	}
	return b, nil
}

// Unmarshal 反序列化
func (m *HopMessage) Unmarshal(data []byte) error {
	*m = HopMessage{}
	hasType := false
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.Type, hasType = HopType(v), err == nil
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Peer = &Peer{}
			return n, m.Peer.unmarshal(v)
		case 3:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Reservation = &Reservation{}
			return n, m.Reservation.unmarshal(v)
		case 4:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Limit = &Limit{}
			return n, m.Limit.unmarshal(v)
		case 5:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.Status = Status(v)
			return n, err
		case 6:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.TTLSeconds = v
			return n, err
		default:
			return -1, nil
		}
	})
	if err != nil {
		return err
	}
	if !hasType || m.Type < HopReserve || m.Type > HopStatus {
		return fmt.Errorf("%w: hop message type", pb.ErrMalformed)
	}
	return nil
}

// ============================================================================
//                              StopMessage
// ============================================================================

// StopMessage 中继与预约持有者之间的消息
type StopMessage struct {
	Type   StopType
	Peer   *Peer
	Limit  *Limit
	Status Status
}

// Marshal 序列化
func (m *StopMessage) Marshal() ([]byte, error) {
	var b []byte
	b = pb.AppendVarint(b, 1, uint64(m.Type))
	if m.Peer != nil {
		b = appendMessage(b, 2, m.Peer.marshal())
	}
	if m.Limit != nil {
		b = appendMessage(b, 3, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = pb.AppendVarint(b, 4, uint64(m.Status))
	}
	return b, nil
}

// Unmarshal 反序列化
func (m *StopMessage) Unmarshal(data []byte) error {
	*m = StopMessage{}
	hasType := false
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.Type, hasType = StopType(v), err == nil
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Peer = &Peer{}
			return n, m.Peer.unmarshal(v)
		case 3:
			v, n, err := pb.ConsumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Limit = &Limit{}
			return n, m.Limit.unmarshal(v)
		case 4:
			v, n, err := pb.ConsumeVarint(typ, b)
			m.Status = Status(v)
			return n, err
		default:
			return -1, nil
		}
	})
	if err != nil {
		return err
	}
	if !hasType || m.Type < StopConnect || m.Type > StopStatus {
		return fmt.Errorf("%w: stop message type", pb.ErrMalformed)
	}
	return nil
}
