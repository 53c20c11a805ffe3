package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// 内部保存公钥的 sha2-256 multihash 原始字节，可以直接作为 map 键比较，
// 也与多地址中 /p2p/<id> 组件的原始值一致。
//
// 外部表示格式：
//   - String(): Base58 编码
//   - ShortString(): Base58 前 8 个字符，用于日志
type PeerID string

// EmptyPeerID 空节点 ID
const EmptyPeerID PeerID = ""

// String 返回 Base58 编码
func (id PeerID) String() string {
	return base58.Encode([]byte(id))
}

// ShortString 返回日志用的短标识
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// Bytes 返回原始 multihash 字节
func (id PeerID) Bytes() []byte {
	return []byte(id)
}

// IsEmpty 检查是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Validate 检查是否为合法的 multihash
func (id PeerID) Validate() error {
	if id.IsEmpty() {
		return ErrEmptyPeerID
	}
	if _, err := mh.Decode([]byte(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return nil
}

// PeerIDFromBytes 从 multihash 原始字节创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	id := PeerID(b)
	if err := id.Validate(); err != nil {
		return EmptyPeerID, err
	}
	return id, nil
}

// PeerIDFromKeyBytes 从序列化的公钥计算 PeerID
func PeerIDFromKeyBytes(marshalledPubKey []byte) (PeerID, error) {
	if len(marshalledPubKey) == 0 {
		return EmptyPeerID, errors.New("empty public key")
	}
	sum, err := mh.Sum(marshalledPubKey, mh.SHA2_256, -1)
	if err != nil {
		return EmptyPeerID, err
	}
	return PeerID(sum), nil
}

// ParsePeerID 解析 Base58 字符串形式的 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrEmptyPeerID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(b)
}

// ============================================================================
//                              ProtocolID - 协议标识
// ============================================================================

// ProtocolID 协议标识，形如 /dcutr-perf/relay/hop/1.0.0
type ProtocolID string

// String 返回字符串形式
func (p ProtocolID) String() string {
	return string(p)
}
