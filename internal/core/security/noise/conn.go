package noise

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// maxPlaintext 单帧明文上限（扣除 16 字节 AEAD 标签）
const maxPlaintext = maxFrameSize - 16

// Conn Noise 加密连接
type Conn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	localPeer    types.PeerID
	remotePeer   types.PeerID
	remotePubKey ed25519.PublicKey

	readMu  sync.Mutex
	readBuf []byte

	writeMu  sync.Mutex
	writeBuf []byte
}

// Read 读取并解密
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recvCS.Decrypt(frame[:0], nil, frame)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
		c.readBuf = plain
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write 加密并写入，超过单帧上限时分帧
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintext
		if end > len(p) {
			end = len(p)
		}
		if err := c.writeChunk(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *Conn) writeChunk(chunk []byte) error {
	if cap(c.writeBuf) < 2+len(chunk)+16 {
		c.writeBuf = make([]byte, 0, 2+maxFrameSize)
	}
	buf := c.writeBuf[:2]
	buf, err := c.sendCS.Encrypt(buf, nil, chunk)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	n := len(buf) - 2
	buf[0] = byte(n >> 8)
	buf[1] = byte(n)
	_, err = c.Conn.Write(buf)
	return err
}

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.localPeer
}

// RemotePeer 握手认证得到的对端节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.remotePeer
}

// RemotePublicKey 对端身份公钥
func (c *Conn) RemotePublicKey() ed25519.PublicKey {
	return c.remotePubKey
}
