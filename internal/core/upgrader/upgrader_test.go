package upgrader

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/internal/core/identity"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

type upgradeOutcome struct {
	conn *Conn
	err  error
}

func upgradePair(t *testing.T, client, server *identity.Identity, expected types.PeerID) (*Conn, error, *Conn, error) {
	t.Helper()
	c, s := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan upgradeOutcome, 1)
	go func() {
		uc, err := New(server).Upgrade(ctx, s, true, types.EmptyPeerID)
		ch <- upgradeOutcome{uc, err}
	}()
	cc, cerr := New(client).Upgrade(ctx, c, false, expected)
	out := <-ch

	t.Cleanup(func() {
		if cc != nil {
			cc.Close()
		}
		if out.conn != nil {
			out.conn.Close()
		}
	})
	return cc, cerr, out.conn, out.err
}

func TestUpgrade_Success(t *testing.T) {
	client, _ := identity.FromSeed(1)
	server, _ := identity.FromSeed(2)

	cc, cerr, sc, serr := upgradePair(t, client, server, server.PeerID())
	require.NoError(t, cerr)
	require.NoError(t, serr)

	assert.Equal(t, server.PeerID(), cc.RemotePeer())
	assert.Equal(t, client.PeerID(), sc.RemotePeer())
	assert.Equal(t, client.PeerID(), cc.LocalPeer())
	assert.NotNil(t, cc.Underlying())

	go func() {
		st, err := sc.AcceptStream()
		if err != nil {
			return
		}
		_, _ = io.Copy(st, st)
		_ = st.CloseWrite()
	}()

	st, err := cc.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = st.Write([]byte("over noise and yamux"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())

	got, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "over noise and yamux", string(got))
}

func TestUpgrade_WrongPeer(t *testing.T) {
	client, _ := identity.FromSeed(1)
	server, _ := identity.FromSeed(2)
	other, _ := identity.FromSeed(3)

	_, cerr, _, serr := upgradePair(t, client, server, other.PeerID())
	require.Error(t, cerr)
	assert.True(t, errors.Is(cerr, types.ErrIdentityMismatch))
	assert.Error(t, serr)
}

func TestUpgrade_OutboundRequiresPeer(t *testing.T) {
	id, _ := identity.FromSeed(1)
	c, s := net.Pipe()
	defer s.Close()

	_, err := New(id).Upgrade(context.Background(), c, false, types.EmptyPeerID)
	assert.ErrorIs(t, err, ErrNoPeerID)
}
