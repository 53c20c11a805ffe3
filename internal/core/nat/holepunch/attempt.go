package holepunch

import (
	"context"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// ============================================================================
//                              状态与角色
// ============================================================================

// State 打洞尝试状态
type State int

const (
	// StateIdle 尚无中继连接
	StateIdle State = iota
	// StateRelayConnected 中继连接已建立，等待地址交换
	StateRelayConnected
	// StateAddressExchanged 候选地址已交换，等待同步
	StateAddressExchanged
	// StateDialRace 正在并发拨号
	StateDialRace
	// StateDirectEstablished 直连已建立
	StateDirectEstablished
	// StateFailed 打洞失败，继续使用中继连接
	StateFailed
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRelayConnected:
		return "relay-connected"
	case StateAddressExchanged:
		return "address-exchanged"
	case StateDialRace:
		return "dial-race"
	case StateDirectEstablished:
		return "direct-established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateDirectEstablished || s == StateFailed
}

// Role 本地在尝试中的角色
type Role int

const (
	// RoleInitiator 经中继拨出连接的一方
	RoleInitiator Role = iota
	// RoleResponder 经中继接受连接的一方
	RoleResponder
)

// String 返回角色名
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// ============================================================================
//                              Attempt
// ============================================================================

// Attempt 一次打洞尝试，每条中继连接对应一次
type Attempt struct {
	// ID 尝试 ID
	ID string

	// Peer 对端
	Peer types.PeerID

	// Role 本地角色
	Role Role

	// Relayed 触发尝试的中继连接
	Relayed *host.Conn

	// Started 开始时间
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// streams 发起方等待响应方打开的打洞流
	streams chan *host.Stream
	// inbound 竞速期间观察到的对端直连
	inbound chan *host.Conn

	mu       sync.Mutex
	state    State
	local    []ma.Multiaddr
	remote   []ma.Multiaddr
	rtt      time.Duration
	syncAt   time.Time
	direct   *host.Conn
	err      error
	finished time.Time
	done     chan struct{}
}

func newAttempt(parent context.Context, id string, role Role, relayed *host.Conn) *Attempt {
	ctx, cancel := context.WithCancel(parent)
	return &Attempt{
		ID:      id,
		Peer:    relayed.RemotePeer(),
		Role:    role,
		Relayed: relayed,
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(chan *host.Stream, 1),
		inbound: make(chan *host.Conn, 1),
		state:   StateRelayConnected,
		done:    make(chan struct{}),
	}
}

// State 当前状态
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done 尝试结束时关闭
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err 失败原因，成功或未结束时为 nil
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// LocalAddrs 发送给对端的候选地址
func (a *Attempt) LocalAddrs() []ma.Multiaddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ma.Multiaddr(nil), a.local...)
}

// RemoteAddrs 对端的候选地址
func (a *Attempt) RemoteAddrs() []ma.Multiaddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ma.Multiaddr(nil), a.remote...)
}

// RTT 经中继测得的往返时间
func (a *Attempt) RTT() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rtt
}

// SyncAt 本地开始拨号的时刻
func (a *Attempt) SyncAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncAt
}

func (a *Attempt) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Attempt) setAddrs(local, remote []ma.Multiaddr) {
	a.mu.Lock()
	a.local, a.remote = local, remote
	a.state = StateAddressExchanged
	a.mu.Unlock()
}

func (a *Attempt) startRace(rtt time.Duration, at time.Time) {
	a.mu.Lock()
	a.rtt, a.syncAt = rtt, at
	a.state = StateDialRace
	a.mu.Unlock()
}

// finish 进入终止状态，只有第一次调用生效
func (a *Attempt) finish(direct *host.Conn, err error) bool {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return false
	}
	if err == nil && direct != nil {
		a.state = StateDirectEstablished
		a.direct = direct
	} else {
		a.state = StateFailed
		a.err = err
	}
	a.finished = time.Now()
	a.mu.Unlock()

	a.cancel()
	close(a.done)
	return true
}

// offerInbound 投递竞速期间出现的对端直连，不阻塞
func (a *Attempt) offerInbound(c *host.Conn) {
	select {
	case a.inbound <- c:
	default:
	}
}

// offerStream 投递响应方打开的打洞流
func (a *Attempt) offerStream(st *host.Stream) bool {
	select {
	case a.streams <- st:
		return true
	default:
		return false
	}
}

// Result 生成结果，尝试结束后调用
func (a *Attempt) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Result{
		AttemptID: a.ID,
		Peer:      a.Peer,
		Role:      a.Role,
		State:     a.state,
		RTT:       a.rtt,
		Err:       a.err,
	}
	if !a.finished.IsZero() {
		r.Duration = a.finished.Sub(a.Started)
	}
	if a.direct != nil {
		r.Conn = a.direct
		r.Direct = true
	} else if !a.Relayed.IsClosed() {
		r.Conn = a.Relayed
	}
	return r
}

// ============================================================================
//                              Result
// ============================================================================

// Result 打洞结果
type Result struct {
	// AttemptID 尝试 ID
	AttemptID string

	// Peer 对端
	Peer types.PeerID

	// Role 本地角色
	Role Role

	// State 终止状态
	State State

	// Conn 可用连接：成功时为直连，失败时为中继连接
	Conn *host.Conn

	// Direct Conn 是否为直连
	Direct bool

	// RTT 经中继测得的往返时间
	RTT time.Duration

	// Duration 尝试耗时
	Duration time.Duration

	// Err 失败原因，仅用于报告
	Err error
}
