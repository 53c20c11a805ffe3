package noise

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	noisepb "github.com/dep2p/dcutr-perf/pkg/lib/proto/noise"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// payloadSigPrefix 静态公钥签名前缀
const payloadSigPrefix = "noise-libp2p-static-key:"

// maxFrameSize 单帧最大长度（受 2 字节长度前缀限制）
const maxFrameSize = 65535

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// handshakeResult 握手结果
type handshakeResult struct {
	sendCS       *noise.CipherState
	recvCS       *noise.CipherState
	remotePeer   types.PeerID
	remotePubKey ed25519.PublicKey
}

// ============================================================================
//                              Noise XX 握手
// ============================================================================

// runHandshake 执行 Noise XX 握手并校验对端身份
//
// expected 非空时，对端 PeerID 必须与之相同，否则返回 ErrIdentityMismatch。
func runHandshake(conn net.Conn, id *identity.Identity, expected types.PeerID, initiator bool) (*handshakeResult, error) {
	static := noise.DHKey{
		Private: ed25519ToCurve25519Private(id.PrivateKey()),
		Public:  ed25519ToCurve25519Public(id.PublicKey()),
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload, err := makePayload(id, static.Public)
	if err != nil {
		return nil, err
	}

	res := &handshakeResult{}
	// 发起者在发送第三条消息前校验对端，身份不符时不暴露自己的身份
	check := func(remotePayload []byte) error {
		remoteStatic := hs.PeerStatic()
		if len(remoteStatic) != 32 {
			return fmt.Errorf("%w: remote static key length %d", ErrInvalidHandshake, len(remoteStatic))
		}
		pub, remotePeer, err := verifyPayload(remotePayload, remoteStatic)
		if err != nil {
			return err
		}
		if !expected.IsEmpty() && remotePeer != expected {
			return fmt.Errorf("%w: expected %s, got %s", types.ErrIdentityMismatch, expected.ShortString(), remotePeer.ShortString())
		}
		res.remotePeer, res.remotePubKey = remotePeer, pub
		return nil
	}

	if initiator {
		res.sendCS, res.recvCS, err = initiatorHandshake(conn, hs, payload, check)
	} else {
		res.sendCS, res.recvCS, err = responderHandshake(conn, hs, payload, check)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte, check func([]byte) error) (*noise.CipherState, *noise.CipherState, error) {
	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	// <- e, ee, s, es, payload
	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read message 2: %v", ErrInvalidHandshake, err)
	}
	if err := check(remotePayload); err != nil {
		return nil, nil, err
	}

	// -> s, se, payload
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, nil
}

func responderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte, check func([]byte) error) (*noise.CipherState, *noise.CipherState, error) {
	// <- e
	msg, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, fmt.Errorf("%w: read message 1: %v", ErrInvalidHandshake, err)
	}

	// -> e, ee, s, es, payload
	msg, _, _, err = hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	// <- s, se, payload
	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read message 3: %v", ErrInvalidHandshake, err)
	}
	if err := check(remotePayload); err != nil {
		return nil, nil, err
	}
	// 响应者方向相反
	return cs2, cs1, nil
}

// ============================================================================
//                              身份负载
// ============================================================================

func makePayload(id *identity.Identity, staticPub []byte) ([]byte, error) {
	toSign := append([]byte(payloadSigPrefix), staticPub...)
	p := &noisepb.HandshakePayload{
		IdentityKey: id.MarshalPublicKey(),
		IdentitySig: id.Sign(toSign),
	}
	return p.Marshal()
}

func verifyPayload(data, remoteStatic []byte) (ed25519.PublicKey, types.PeerID, error) {
	var p noisepb.HandshakePayload
	if err := p.Unmarshal(data); err != nil {
		return nil, types.EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	pub, err := identity.UnmarshalPublicKey(p.IdentityKey)
	if err != nil {
		return nil, types.EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	toVerify := append([]byte(payloadSigPrefix), remoteStatic...)
	if !identity.Verify(pub, toVerify, p.IdentitySig) {
		return nil, types.EmptyPeerID, ErrInvalidSignature
	}
	peerID, err := identity.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, types.EmptyPeerID, err
	}
	return pub, peerID, nil
}

// ============================================================================
//                              密钥转换
// ============================================================================

// ed25519ToCurve25519Private 取种子 SHA-512 前 32 字节并 clamp（RFC 7748）
func ed25519ToCurve25519Private(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519ToCurve25519Public Edwards 点转 Montgomery u 坐标
func ed25519ToCurve25519Public(pub ed25519.PublicKey) []byte {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return make([]byte, 32)
	}
	return p.BytesMontgomery()
}

// ============================================================================
//                              帧读写
// ============================================================================

// writeFrame 写入 2 字节长度前缀的帧
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(data))
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame 读取 2 字节长度前缀的帧
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
