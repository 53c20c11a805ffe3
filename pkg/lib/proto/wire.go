package proto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed 消息格式错误
var ErrMalformed = errors.New("malformed message")

// FieldFunc 处理一个字段，返回消耗的字节数；返回 -1 表示未处理（跳过）
type FieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// Walk 依次遍历 b 中的字段
func Walk(b []byte, fn FieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// ConsumeBytes 读取 length-delimited 字段并复制
func ConsumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: want bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return append([]byte(nil), v...), n, nil
}

// ConsumeVarint 读取 varint 字段
func ConsumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: want varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

// AppendBytes 追加 length-delimited 字段，空值不写
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendVarint 追加 varint 字段（总是写入，用于必填字段）
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
