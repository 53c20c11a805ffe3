package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// copyBufferSize 单次转发的缓冲区大小
const copyBufferSize = 32 * 1024

// Leg 电路的一侧，通常是中继上的一条协议流
type Leg interface {
	net.Conn

	// CloseWrite 半关闭写方向
	CloseWrite() error

	// Reset 立即终止读写
	Reset() error
}

// circuitLimits 电路限制，零值表示不限制
type circuitLimits struct {
	duration time.Duration
	bytes    int64
	rate     int
}

// Circuit 一条拼接好的中继电路
type Circuit struct {
	// ID 电路 ID
	ID string

	// Dialer 发起方
	Dialer types.PeerID

	// Target 预约持有者
	Target types.PeerID

	// Created 建立时间
	Created time.Time

	src, dst Leg
	limits   circuitLimits
	clock    clock.Clock
	onBytes  func(n int)

	toTarget atomic.Int64
	toDialer atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	resetOnce sync.Once
	done      chan struct{}
}

func newCircuit(id string, dialer, target types.PeerID, src, dst Leg, limits circuitLimits, clk clock.Clock, onBytes func(int)) *Circuit {
	ctx, cancel := context.WithCancel(context.Background())
	if onBytes == nil {
		onBytes = func(int) {}
	}
	return &Circuit{
		ID:      id,
		Dialer:  dialer,
		Target:  target,
		Created: clk.Now(),
		src:     src,
		dst:     dst,
		limits:  limits,
		clock:   clk,
		onBytes: onBytes,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Done 电路拆除后关闭
func (c *Circuit) Done() <-chan struct{} {
	return c.done
}

// BytesForwarded 两个方向已转发的字节数
func (c *Circuit) BytesForwarded() (toTarget, toDialer int64) {
	return c.toTarget.Load(), c.toDialer.Load()
}

// Close 立即拆除电路
func (c *Circuit) Close() error {
	c.reset()
	return nil
}

func (c *Circuit) reset() {
	c.resetOnce.Do(func() {
		c.cancel()
		_ = c.src.Reset()
		_ = c.dst.Reset()
	})
}

// splice 双向转发直到两侧都结束
//
// 一侧读到 EOF 后半关闭另一侧，grace 之后仍未结束则强制拆除。
// 任一方向出错立即拆除。
func (c *Circuit) splice(grace time.Duration) error {
	defer close(c.done)
	defer c.cancel()

	if c.limits.duration > 0 {
		dl := time.Now().Add(c.limits.duration)
		_ = c.src.SetDeadline(dl)
		_ = c.dst.SetDeadline(dl)
	}

	var (
		graceOnce  sync.Once
		graceTimer *clock.Timer
	)
	halfClosed := func() {
		graceOnce.Do(func() {
			graceTimer = c.clock.AfterFunc(grace, c.reset)
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		return c.pipe(c.dst, c.src, &c.toTarget, halfClosed)
	})
	g.Go(func() error {
		return c.pipe(c.src, c.dst, &c.toDialer, halfClosed)
	})
	err := g.Wait()

	if graceTimer != nil {
		graceTimer.Stop()
	}
	if err != nil {
		c.reset()
		return err
	}
	_ = c.src.Close()
	_ = c.dst.Close()
	return nil
}

// pipe 单方向转发，正常结束时半关闭 dst
func (c *Circuit) pipe(dst, src Leg, counter *atomic.Int64, finished func()) error {
	if err := c.copy(dst, src, counter); err != nil {
		c.reset()
		return err
	}
	_ = dst.CloseWrite()
	finished()
	return nil
}

func (c *Circuit) copy(dst io.Writer, src io.Reader, counter *atomic.Int64) error {
	var limiter *rate.Limiter
	bufSize := copyBufferSize
	if c.limits.rate > 0 {
		burst := c.limits.rate
		if burst < bufSize {
			bufSize = burst
		}
		limiter = rate.NewLimiter(rate.Limit(c.limits.rate), burst)
	}

	buf := make([]byte, bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if c.limits.bytes > 0 && counter.Load()+int64(n) > c.limits.bytes {
				return ErrCircuitLimit
			}
			if limiter != nil {
				if err := limiter.WaitN(c.ctx, n); err != nil {
					return err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			counter.Add(int64(n))
			c.onBytes(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
