package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

func TestHopMessage_ConnectKeepsPeer(t *testing.T) {
	msg := &HopMessage{
		Type: HopConnect,
		Peer: &Peer{ID: []byte("target"), Addrs: [][]byte{[]byte("a1"), []byte("a2")}},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	var got HopMessage
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, HopConnect, got.Type)
	require.NotNil(t, got.Peer)
	assert.Equal(t, []byte("target"), got.Peer.ID)
	assert.Len(t, got.Peer.Addrs, 2)
	assert.Nil(t, got.Reservation)
}

func TestHopMessage_ReserveTypeIsEncoded(t *testing.T) {
	data, err := (&HopMessage{Type: HopReserve, TTLSeconds: 60}).Marshal()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var got HopMessage
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, HopReserve, got.Type)
	assert.Equal(t, uint64(60), got.TTLSeconds)
}

func TestHopMessage_StatusWithReservation(t *testing.T) {
	msg := &HopMessage{
		Type:        HopStatus,
		Status:      StatusOK,
		Reservation: &Reservation{Expire: 1700000000, Addrs: [][]byte{[]byte("x")}},
		Limit:       &Limit{Duration: 120, Data: 1 << 20},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	var got HopMessage
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, StatusOK, got.Status)
	assert.Equal(t, uint64(1700000000), got.Reservation.Expire)
	assert.Equal(t, uint32(120), got.Limit.Duration)
	assert.Equal(t, uint64(1<<20), got.Limit.Data)
}

func TestHopMessage_Malformed(t *testing.T) {
	var m HopMessage
	assert.ErrorIs(t, m.Unmarshal(nil), pb.ErrMalformed)
	assert.ErrorIs(t, m.Unmarshal([]byte{0xff, 0xff}), pb.ErrMalformed)

	data, err := (&HopMessage{Type: 9}).Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Unmarshal(data), pb.ErrMalformed)

	// peer 缺少 id
	data, err = (&HopMessage{Type: HopConnect, Peer: &Peer{}}).Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Unmarshal(data), pb.ErrMalformed)
}

func TestStopMessage(t *testing.T) {
	data, err := (&StopMessage{Type: StopConnect, Peer: &Peer{ID: []byte("dialer")}}).Marshal()
	require.NoError(t, err)

	var got StopMessage
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, StopConnect, got.Type)
	assert.Equal(t, []byte("dialer"), got.Peer.ID)
	assert.Equal(t, StatusUnused, got.Status)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "NO_RESERVATION", StatusNoReservation.String())
	assert.Equal(t, "UNKNOWN(7)", Status(7).String())
}

func TestStatus_ErrorMapping(t *testing.T) {
	for _, err := range []error{types.ErrNoReservation, types.ErrAlreadyReserved, types.ErrCapacityExceeded} {
		wrapped := fmt.Errorf("reserve: %w", err)
		assert.ErrorIs(t, StatusForError(wrapped).Err(), err)
	}
	assert.Equal(t, StatusOK, StatusForError(nil))
	assert.NoError(t, StatusOK.Err())
	assert.Equal(t, StatusMalformedMessage, StatusForError(pb.ErrMalformed))
	assert.ErrorIs(t, StatusConnectionFailed.Err(), ErrStatus)
}
