package noise

import "errors"

var (
	// ErrInvalidHandshake 握手消息无法解析或解密
	ErrInvalidHandshake = errors.New("noise: invalid handshake")

	// ErrInvalidSignature 静态公钥签名校验失败
	ErrInvalidSignature = errors.New("noise: static key not bound to identity key")

	// ErrNilConn 底层连接为空
	ErrNilConn = errors.New("noise: conn is nil")
)
