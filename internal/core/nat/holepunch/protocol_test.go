package holepunch

import (
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCandidates(t *testing.T) {
	a := ma.StringCast("/ip4/203.0.113.7/tcp/4001")
	b := ma.StringCast("/ip4/127.0.0.1/tcp/4001")
	withPeer := ma.StringCast("/ip4/203.0.113.7/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	relayed := ma.StringCast("/ip4/198.51.100.1/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N/p2p-circuit")
	udp := ma.StringCast("/ip4/203.0.113.7/udp/4001")
	unspecified := ma.StringCast("/ip4/0.0.0.0/tcp/4001")

	got := mergeCandidates(0, []ma.Multiaddr{a, withPeer, relayed}, []ma.Multiaddr{udp, unspecified, b, a})
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(a))
	assert.True(t, got[1].Equal(b))

	assert.Len(t, mergeCandidates(1, []ma.Multiaddr{a, b}), 1)
	assert.Empty(t, mergeCandidates(4))
}

func TestMergeCandidates_PublicFirst(t *testing.T) {
	loop := ma.StringCast("/ip4/127.0.0.1/tcp/4001")
	priv := ma.StringCast("/ip4/192.168.1.5/tcp/4001")
	pub := ma.StringCast("/ip4/203.0.113.7/tcp/4001")

	got := mergeCandidates(2, []ma.Multiaddr{loop, priv}, []ma.Multiaddr{pub})
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(pub))
	assert.True(t, got[1].Equal(priv))
}

func TestDecodeAddrs(t *testing.T) {
	a := ma.StringCast("/ip4/203.0.113.7/tcp/4001")
	b := ma.StringCast("/dns4/example.com/tcp/4001")

	raw := encodeAddrs([]ma.Multiaddr{a, b})
	raw = append(raw, []byte("garbage"))

	got := decodeAddrs(raw, 16)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(a))
	assert.True(t, got[1].Equal(b))

	assert.Len(t, decodeAddrs(raw, 1), 1)
}

func TestSyncDelay(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, syncDelay(100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, syncDelay(10*time.Second, time.Second))
	assert.Equal(t, time.Duration(0), syncDelay(0, time.Second))
	assert.Equal(t, time.Duration(0), syncDelay(time.Second, 0))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "relay-connected", StateRelayConnected.String())
	assert.Equal(t, "direct-established", StateDirectEstablished.String())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateDirectEstablished.Terminal())
	assert.False(t, StateDialRace.Terminal())
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "responder", RoleResponder.String())
}
