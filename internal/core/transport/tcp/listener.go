package tcp

import (
	manet "github.com/multiformats/go-multiaddr/net"
)

// Listener TCP 监听器
type Listener struct {
	manet.Listener
	transport *Transport
}

// Close 关闭监听器，同时不再用它的端口作为出站源端口
func (l *Listener) Close() error {
	l.transport.removeListener(l)
	return l.Listener.Close()
}
