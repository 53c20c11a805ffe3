package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// keyTypeEd25519 序列化公钥中的密钥类型编号
const keyTypeEd25519 = 1

var (
	// ErrInvalidPublicKey 公钥格式错误
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrUnsupportedKeyType 不支持的密钥类型
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// Identity 节点身份
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	peerID types.PeerID
}

// FromSeed 从单字节种子派生确定性身份
//
// 32 字节私钥种子的第一个字节为 seed，其余为 0，便于多个进程
// 在测试与演示中预先知道彼此的 PeerID。
func FromSeed(seed uint8) (*Identity, error) {
	var b [ed25519.SeedSize]byte
	b[0] = seed
	return FromPrivateKey(ed25519.NewKeyFromSeed(b[:]))
}

// Generate 生成随机身份
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey 从私钥创建身份
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(priv))
	}
	pub, _ := priv.Public().(ed25519.PublicKey)
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, peerID: id}, nil
}

// PeerID 返回节点 ID
func (i *Identity) PeerID() types.PeerID {
	return i.peerID
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

// MarshalPublicKey 返回序列化的公钥
func (i *Identity) MarshalPublicKey() []byte {
	return MarshalPublicKey(i.pub)
}

// Sign 签名数据
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// ============================================================================
//                              公钥序列化
// ============================================================================

// MarshalPublicKey 序列化公钥：{1: key_type, 2: key_bytes}
func MarshalPublicKey(pub ed25519.PublicKey) []byte {
	b := pb.AppendVarint(nil, 1, keyTypeEd25519)
	return pb.AppendBytes(b, 2, pub)
}

// UnmarshalPublicKey 解析序列化的公钥
func UnmarshalPublicKey(data []byte) (ed25519.PublicKey, error) {
	var (
		keyType uint64
		hasType bool
		key     []byte
	)
	err := pb.Walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := pb.ConsumeVarint(typ, b)
			keyType, hasType = v, err == nil
			return n, err
		case 2:
			v, n, err := pb.ConsumeBytes(typ, b)
			key = v
			return n, err
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if !hasType || keyType != keyTypeEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, keyType)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// PeerIDFromPublicKey 计算公钥对应的 PeerID
func PeerIDFromPublicKey(pub ed25519.PublicKey) (types.PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return types.EmptyPeerID, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(pub))
	}
	return types.PeerIDFromKeyBytes(MarshalPublicKey(pub))
}

// Verify 验证签名
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig)
}
