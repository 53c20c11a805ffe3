package natpmp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	natpmp "github.com/jackpal/go-nat-pmp"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mu       sync.Mutex
	calls    []int // 每次 AddPortMapping 的 lifetime
	failWith error
}

func (c *mockClient) GetExternalAddress() (*natpmp.GetExternalAddressResult, error) {
	return &natpmp.GetExternalAddressResult{ExternalIPAddress: [4]byte{203, 0, 113, 7}}, nil
}

func (c *mockClient) AddPortMapping(_ string, internal, external, lifetime int) (*natpmp.AddPortMappingResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.calls = append(c.calls, lifetime)
	return &natpmp.AddPortMappingResult{
		InternalPort:                 uint16(internal),
		MappedExternalPort:           uint16(external + 1),
		PortMappingLifetimeInSeconds: uint32(lifetime),
	}, nil
}

func (c *mockClient) lifetimes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.calls))
	copy(out, c.calls)
	return out
}

func TestMapper_MapTCP(t *testing.T) {
	mc := &mockClient{}
	clk := clock.NewMock()
	m := newMapper(mc, clk, time.Hour)
	defer m.Close()

	addr, err := m.MapTCP(4001)
	require.NoError(t, err)
	assert.True(t, addr.Equal(ma.StringCast("/ip4/203.0.113.7/tcp/4002")))
	assert.Len(t, m.Addrs(), 1)

	// 租期过后地址不再有效
	m.mu.Lock()
	m.mappings[4001].Expires = clk.Now().Add(-time.Second)
	m.mu.Unlock()
	assert.Empty(t, m.Addrs())
}

func TestMapper_RenewsAtHalfLifetime(t *testing.T) {
	mc := &mockClient{}
	clk := clock.NewMock()
	m := newMapper(mc, clk, time.Hour)
	defer m.Close()

	_, err := m.MapTCP(4001)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Add(30 * time.Minute)
		return len(mc.lifetimes()) >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMapper_CloseDeletesMappings(t *testing.T) {
	mc := &mockClient{}
	m := newMapper(mc, clock.NewMock(), time.Hour)

	_, err := m.MapTCP(4001)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	calls := mc.lifetimes()
	require.Len(t, calls, 2)
	assert.Equal(t, 0, calls[1])

	_, err = m.MapTCP(4001)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMapper_MappingError(t *testing.T) {
	cause := errors.New("refused")
	m := newMapper(&mockClient{failWith: cause}, clock.NewMock(), time.Hour)
	defer m.Close()

	_, err := m.MapTCP(4001)
	var me *MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 4001, me.Port)
	assert.ErrorIs(t, err, cause)
}

func TestNilMapper(t *testing.T) {
	var m *Mapper
	assert.Nil(t, m.Addrs())
	assert.NoError(t, m.Close())
}

func TestTCPPorts(t *testing.T) {
	ports := tcpPorts([]ma.Multiaddr{
		ma.StringCast("/ip4/0.0.0.0/tcp/4001"),
		ma.StringCast("/ip6/::/tcp/4001"),
		ma.StringCast("/ip4/0.0.0.0/udp/5000"),
		ma.StringCast("/ip4/0.0.0.0/tcp/0"),
	})
	assert.Equal(t, []int{4001}, ports)
}
