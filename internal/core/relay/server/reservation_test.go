package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

func peerN(i int) types.PeerID {
	return types.PeerID(fmt.Sprintf("peer-%03d", i))
}

func TestReservationTable_ReserveTwiceReplaces(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewReservationTable(clk, 0, true)

	_, err := tbl.Reserve(peerN(1), time.Minute, "c1")
	require.NoError(t, err)
	clk.Add(10 * time.Second)
	r, err := tbl.Reserve(peerN(1), time.Minute, "c2")
	require.NoError(t, err)

	assert.Equal(t, 1, tbl.Len())
	got, ok := tbl.Lookup(peerN(1))
	require.True(t, ok)
	assert.Equal(t, "c2", got.ConnID)
	assert.Equal(t, r.Expires, got.Expires)
	assert.Equal(t, clk.Now().Add(time.Minute), got.Expires)
}

func TestReservationTable_RefuseDuplicate(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewReservationTable(clk, 0, false)

	_, err := tbl.Reserve(peerN(1), time.Minute, "c1")
	require.NoError(t, err)
	_, err = tbl.Reserve(peerN(1), time.Minute, "c2")
	assert.ErrorIs(t, err, types.ErrAlreadyReserved)

	// 过期之后可以重新预约
	clk.Add(time.Minute)
	_, err = tbl.Reserve(peerN(1), time.Minute, "c2")
	assert.NoError(t, err)
}

func TestReservationTable_Capacity(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewReservationTable(clk, 2, true)

	_, err := tbl.Reserve(peerN(1), time.Minute, "c1")
	require.NoError(t, err)
	_, err = tbl.Reserve(peerN(2), 2*time.Minute, "c2")
	require.NoError(t, err)

	_, err = tbl.Reserve(peerN(3), time.Minute, "c3")
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)

	// 已持有预约的节点续约不受容量限制
	_, err = tbl.Reserve(peerN(1), time.Minute, "c1")
	assert.NoError(t, err)

	clk.Add(90 * time.Second)
	_, err = tbl.Reserve(peerN(3), time.Minute, "c3")
	assert.NoError(t, err)
}

func TestReservationTable_ExpiresAtTTL(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewReservationTable(clk, 0, true)

	_, err := tbl.Reserve(peerN(1), 60*time.Second, "c1")
	require.NoError(t, err)

	clk.Add(59 * time.Second)
	_, ok := tbl.Lookup(peerN(1))
	assert.True(t, ok)

	clk.Add(time.Second)
	_, ok = tbl.Lookup(peerN(1))
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 1, tbl.Expire())
	assert.Equal(t, 0, tbl.Expire())
}

func TestReservationTable_EvictConn(t *testing.T) {
	tbl := NewReservationTable(clock.NewMock(), 0, true)

	_, err := tbl.Reserve(peerN(1), time.Minute, "c1")
	require.NoError(t, err)
	_, err = tbl.Reserve(peerN(1), time.Minute, "c2")
	require.NoError(t, err)

	// 旧连接断开不影响新连接上的预约
	assert.False(t, tbl.EvictConn(peerN(1), "c1"))
	assert.True(t, tbl.EvictConn(peerN(1), "c2"))
	_, ok := tbl.Lookup(peerN(1))
	assert.False(t, ok)

	assert.False(t, tbl.Evict(peerN(1)))
}

func TestReservationTable_InvalidTTL(t *testing.T) {
	tbl := NewReservationTable(clock.NewMock(), 0, true)
	_, err := tbl.Reserve(peerN(1), 0, "c1")
	assert.Error(t, err)
}

func TestReservationTable_ConcurrentHolders(t *testing.T) {
	const limit = 10
	tbl := NewReservationTable(clock.NewMock(), limit, true)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := tbl.Reserve(peerN(i), time.Minute, "c"); err == nil && j == 0 {
					ok.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, tbl.Len())
	assert.Equal(t, int32(limit), ok.Load())
	assert.Len(t, tbl.List(), limit)
}
