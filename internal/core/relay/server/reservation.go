package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

// Reservation 一条预约
type Reservation struct {
	// Holder 预约持有者
	Holder types.PeerID

	// ConnID 发起预约的控制连接
	ConnID string

	// Created 创建或最近一次替换的时间
	Created time.Time

	// Expires 过期时间
	Expires time.Time
}

func (r *Reservation) activeAt(now time.Time) bool {
	return now.Before(r.Expires)
}

// ============================================================================
//                              ReservationTable
// ============================================================================

// ReservationTable 预约表
//
// holders 串行化同一持有者的变更；mu 只保护 entries 本身。
type ReservationTable struct {
	clock   clock.Clock
	max     int
	replace bool

	holders keyedMutex

	mu      sync.Mutex
	entries map[types.PeerID]*Reservation
}

// NewReservationTable 创建预约表
//
// maxActive 为 0 表示不限制；replace 为 false 时拒绝重复预约。
func NewReservationTable(clk clock.Clock, maxActive int, replace bool) *ReservationTable {
	return &ReservationTable{
		clock:   clk,
		max:     maxActive,
		replace: replace,
		entries: make(map[types.PeerID]*Reservation),
	}
}

// Reserve 为 holder 登记有效期为 ttl 的预约
func (t *ReservationTable) Reserve(holder types.PeerID, ttl time.Duration, connID string) (*Reservation, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("reserve %s: non-positive ttl %s", holder.ShortString(), ttl)
	}
	unlock := t.holders.lock(holder)
	defer unlock()

	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[holder]; ok && old.activeAt(now) {
		if !t.replace {
			return nil, fmt.Errorf("%w: %s until %s", types.ErrAlreadyReserved, holder.ShortString(), old.Expires.Format(time.RFC3339))
		}
		log.Debug("替换已有预约", "peer", holder.ShortString(), "oldConn", old.ConnID, "newConn", connID)
	} else if t.max > 0 && t.activeLocked(now) >= t.max {
		return nil, fmt.Errorf("%w: %d reservations", types.ErrCapacityExceeded, t.max)
	}

	r := &Reservation{
		Holder:  holder,
		ConnID:  connID,
		Created: now,
		Expires: now.Add(ttl),
	}
	t.entries[holder] = r
	cp := *r
	return &cp, nil
}

// Lookup 查找 holder 的有效预约
func (t *ReservationTable) Lookup(holder types.PeerID) (*Reservation, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[holder]
	if !ok || !r.activeAt(now) {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Evict 移除 holder 的预约
func (t *ReservationTable) Evict(holder types.PeerID) bool {
	unlock := t.holders.lock(holder)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[holder]; !ok {
		return false
	}
	delete(t.entries, holder)
	return true
}

// EvictConn 控制连接断开时移除对应预约
//
// 只有预约仍属于该连接时才移除，之后在新连接上建立的预约不受影响。
func (t *ReservationTable) EvictConn(holder types.PeerID, connID string) bool {
	unlock := t.holders.lock(holder)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[holder]
	if !ok || r.ConnID != connID {
		return false
	}
	delete(t.entries, holder)
	return true
}

// Expire 清理过期预约，返回清理数量
func (t *ReservationTable) Expire() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, r := range t.entries {
		if !r.activeAt(now) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Len 有效预约数
func (t *ReservationTable) Len() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(now)
}

// List 全部有效预约的快照
func (t *ReservationTable) List() []Reservation {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Reservation, 0, len(t.entries))
	for _, r := range t.entries {
		if r.activeAt(now) {
			out = append(out, *r)
		}
	}
	return out
}

func (t *ReservationTable) activeLocked(now time.Time) int {
	n := 0
	for _, r := range t.entries {
		if r.activeAt(now) {
			n++
		}
	}
	return n
}

// ============================================================================
//                              keyedMutex
// ============================================================================

// keyedMutex 按节点加锁，不再使用的锁随引用计数归零删除
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.PeerID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id types.PeerID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[types.PeerID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
