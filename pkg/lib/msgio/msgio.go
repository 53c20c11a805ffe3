// Package msgio 提供 uvarint 长度前缀的消息读写
//
// 读取时逐字节解析长度前缀，不会多读消息之后的字节：
// 中继在读完 CONNECT 请求后要把同一条流交给电路拼接，
// 任何预读的字节都会丢失。
package msgio

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxMessageSize 默认最大消息大小 (4KB)
const DefaultMaxMessageSize = 4 * 1024

// ErrMessageTooLarge 消息超过上限
var ErrMessageTooLarge = errors.New("msgio: message too large")

// Marshaler 可序列化的消息
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler 可反序列化的消息
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// byteReader 每次只从底层读一个字节
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// WriteMsg 写入一条带长度前缀的消息
func WriteMsg(w io.Writer, data []byte) error {
	buf := append(varint.ToUvarint(uint64(len(data))), data...)
	_, err := w.Write(buf)
	return err
}

// ReadMsg 读取一条带长度前缀的消息
func ReadMsg(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	length, err := varint.ReadUvarint(&byteReader{r: r})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("msgio: read length: %w", err)
	}
	if length > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("msgio: read body: %w", err)
	}
	return data, nil
}

// WriteProto 序列化并写入消息
func WriteProto(w io.Writer, msg Marshaler) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return WriteMsg(w, data)
}

// ReadProto 读取并反序列化消息
func ReadProto(r io.Reader, msg Unmarshaler, maxSize int) error {
	data, err := ReadMsg(r, maxSize)
	if err != nil {
		return err
	}
	return msg.Unmarshal(data)
}
