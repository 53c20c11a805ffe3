package yamux

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/libp2p/go-yamux/v5"
)

// ErrMuxerClosed 会话已关闭
var ErrMuxerClosed = errors.New("yamux: session closed")

// Muxer 封装 yamux.Session
type Muxer struct {
	session  *yamux.Session
	isServer bool
}

// NewMuxer 在连接上建立 yamux 会话
//
// cfg 为 nil 时使用 DefaultConfig。
func NewMuxer(conn net.Conn, isServer bool, cfg *yamux.Config) (*Muxer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var (
		sess *yamux.Session
		err  error
	)
	if isServer {
		sess, err = yamux.Server(conn, cfg, nil)
	} else {
		sess, err = yamux.Client(conn, cfg, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("创建 yamux 会话失败: %w", err)
	}
	return &Muxer{session: sess, isServer: isServer}, nil
}

// OpenStream 打开新流
func (m *Muxer) OpenStream(ctx context.Context) (*Stream, error) {
	if m.session.IsClosed() {
		return nil, ErrMuxerClosed
	}
	s, err := m.session.OpenStream(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("打开流失败: %w", err)
	}
	return &Stream{Stream: s}, nil
}

// AcceptStream 阻塞直到对端打开新流或会话关闭
func (m *Muxer) AcceptStream() (*Stream, error) {
	s, err := m.session.AcceptStream()
	if err != nil {
		if m.session.IsClosed() {
			return nil, ErrMuxerClosed
		}
		return nil, fmt.Errorf("接受流失败: %w", err)
	}
	return &Stream{Stream: s}, nil
}

// Close 关闭会话及其所有流
func (m *Muxer) Close() error {
	return m.session.Close()
}

// IsClosed 会话是否已关闭
func (m *Muxer) IsClosed() bool {
	return m.session.IsClosed()
}

// CloseChan 会话关闭时关闭的通道
func (m *Muxer) CloseChan() <-chan struct{} {
	return m.session.CloseChan()
}

// NumStreams 当前活跃流数量
func (m *Muxer) NumStreams() int {
	return m.session.NumStreams()
}

// IsServer 是否为服务端
func (m *Muxer) IsServer() bool {
	return m.isServer
}
