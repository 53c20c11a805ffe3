// Package noise 定义 Noise 握手负载
//
// 负载随握手消息加密传输：
//   - IdentityKey (field 1): 序列化的 Ed25519 身份公钥
//   - IdentitySig (field 2): Sign("noise-libp2p-static-key:" + X25519 静态公钥)
package noise

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
)

// HandshakePayload Noise 握手负载
type HandshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
}

// Marshal 序列化
func (p *HandshakePayload) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(p.IdentityKey)+len(p.IdentitySig)+8)
	b = pb.AppendBytes(b, 1, p.IdentityKey)
	b = pb.AppendBytes(b, 2, p.IdentitySig)
	return b, nil
}

// Unmarshal 反序列化，两个字段都必须存在
func (p *HandshakePayload) Unmarshal(data []byte) error {
	*p = HandshakePayload{}
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			p.IdentityKey, n, err = pb.ConsumeBytes(typ, b)
		case 2:
			p.IdentitySig, n, err = pb.ConsumeBytes(typ, b)
		default:
			return -1, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if len(p.IdentityKey) == 0 || len(p.IdentitySig) == 0 {
		return fmt.Errorf("%w: noise payload missing identity", pb.ErrMalformed)
	}
	return nil
}
