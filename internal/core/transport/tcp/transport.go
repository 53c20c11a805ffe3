package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/dep2p/dcutr-perf/internal/util/logger"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

var log = logger.Logger("transport.tcp")

// Config TCP 传输配置
type Config struct {
	// PortReuse 出站连接复用监听端口
	PortReuse bool

	// DialTimeout 单次拨号超时
	DialTimeout time.Duration
}

// Transport TCP 传输层
type Transport struct {
	config Config

	listeners   []*Listener
	listenersMu sync.RWMutex

	closed atomic.Bool
}

// New 创建 TCP 传输层
func New(config Config) *Transport {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Transport{config: config}
}

// CanDial 判断是否为可直接拨号的 TCP 地址（不含 /p2p-circuit）
func CanDial(addr ma.Multiaddr) bool {
	if addr == nil || types.IsRelayed(addr) {
		return false
	}
	network, _, err := manet.DialArgs(stripPeer(addr))
	return err == nil && strings.HasPrefix(network, "tcp")
}

// Listen 在指定地址监听
func (t *Transport) Listen(addr ma.Multiaddr) (*Listener, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	network, host, err := manet.DialArgs(addr)
	if err != nil || !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
	}

	lc := net.ListenConfig{}
	if t.config.PortReuse {
		lc.Control = reuseControl
	}
	nl, err := lc.Listen(context.Background(), network, host)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	ml, err := manet.WrapNetListener(nl)
	if err != nil {
		_ = nl.Close()
		return nil, err
	}

	l := &Listener{Listener: ml, transport: t}
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenersMu.Unlock()

	log.Info("TCP 监听已启动", "addr", ml.Multiaddr().String(), "reuse", t.config.PortReuse)
	return l, nil
}

// Dial 拨号到远端 TCP 地址，地址末尾的 /p2p/<id> 会被忽略
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	raddr = stripPeer(raddr)
	network, host, err := manet.DialArgs(raddr)
	if err != nil || !strings.HasPrefix(network, "tcp") || types.IsRelayed(raddr) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, raddr)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	if t.config.PortReuse {
		if laddr := t.reuseLocalAddr(network); laddr != nil {
			conn, err := t.dial(ctx, network, host, laddr)
			if err == nil {
				return conn, nil
			}
			if !isBindError(err) {
				return nil, wrapDialError(err)
			}
			log.Debug("复用端口拨号失败，回退为随机端口", "addr", raddr.String(), "err", err)
		}
	}

	conn, err := t.dial(ctx, network, host, nil)
	if err != nil {
		return nil, wrapDialError(err)
	}
	return conn, nil
}

func (t *Transport) dial(ctx context.Context, network, host string, laddr *net.TCPAddr) (manet.Conn, error) {
	d := net.Dialer{}
	if laddr != nil {
		d.LocalAddr = laddr
		d.Control = reuseControl
	}
	nc, err := d.DialContext(ctx, network, host)
	if err != nil {
		return nil, err
	}
	conn, err := manet.WrapNetConn(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return conn, nil
}

// reuseLocalAddr 选择与目标地址族匹配的监听端口作为出站源端口
func (t *Transport) reuseLocalAddr(network string) *net.TCPAddr {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()

	for _, l := range t.listeners {
		addr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			continue
		}
		isV4 := addr.IP.To4() != nil
		if (network == "tcp4" && !isV4) || (network == "tcp6" && isV4) {
			continue
		}
		laddr := &net.TCPAddr{Port: addr.Port}
		if !addr.IP.IsUnspecified() {
			laddr.IP = addr.IP
		}
		return laddr
	}
	return nil
}

// Addrs 返回所有监听地址
func (t *Transport) Addrs() []ma.Multiaddr {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()

	addrs := make([]ma.Multiaddr, 0, len(t.listeners))
	for _, l := range t.listeners {
		addrs = append(addrs, l.Multiaddr())
	}
	return addrs
}

// Close 关闭传输层与所有监听器
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.listenersMu.Lock()
	listeners := t.listeners
	t.listeners = nil
	t.listenersMu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Listener.Close())
	}
	return err
}

func (t *Transport) removeListener(target *Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	for i, l := range t.listeners {
		if l == target {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// ============================================================================
//                              辅助函数
// ============================================================================

func stripPeer(addr ma.Multiaddr) ma.Multiaddr {
	if _, rest, err := types.SplitPeer(addr); err == nil && rest != nil {
		return rest
	}
	return addr
}

func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EADDRNOTAVAIL)
}

func wrapDialError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", types.ErrDialTimeout, err)
	}
	return err
}
