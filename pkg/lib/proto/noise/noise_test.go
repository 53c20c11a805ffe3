package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
)

func TestHandshakePayload(t *testing.T) {
	data, err := (&HandshakePayload{IdentityKey: []byte("key"), IdentitySig: []byte("sig")}).Marshal()
	require.NoError(t, err)

	var got HandshakePayload
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, []byte("key"), got.IdentityKey)
	assert.Equal(t, []byte("sig"), got.IdentitySig)

	data, err = (&HandshakePayload{IdentityKey: []byte("key")}).Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, got.Unmarshal(data), pb.ErrMalformed)
}
