package yamux

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	lyamux "github.com/libp2p/go-yamux/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Muxer, *Muxer) {
	t.Helper()
	c, s := net.Pipe()

	client, err := NewMuxer(c, false, nil)
	require.NoError(t, err)
	server, err := NewMuxer(s, true, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestMuxer_OpenAccept(t *testing.T) {
	client, server := newPair(t)
	assert.False(t, client.IsServer())
	assert.True(t, server.IsServer())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := server.AcceptStream()
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()

	cs, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = cs.Write([]byte("ping"))
	require.NoError(t, err)

	ss := <-accepted
	require.NotNil(t, ss)

	buf := make([]byte, 4)
	_, err = io.ReadFull(ss, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

// 半关闭后仍能读到对端的回显
func TestStream_CloseWriteKeepsReading(t *testing.T) {
	client, server := newPair(t)

	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		data, err := io.ReadAll(s)
		if err != nil {
			return
		}
		_, _ = s.Write(data)
		_ = s.CloseWrite()
	}()

	cs, err := client.OpenStream(context.Background())
	require.NoError(t, err)

	_, err = cs.Write([]byte("echo me"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseWrite())

	require.NoError(t, cs.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "echo me", string(got))
}

// 对端读到 EOF 之后才开始回显，本端半关闭时接收缓冲为空
func TestStream_CloseWriteLargeEcho(t *testing.T) {
	client, server := newPair(t)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil {
			return
		}
		_, _ = s.Write(data)
		_ = s.CloseWrite()
	}()

	cs, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	defer cs.Close()

	_, err = cs.Write(payload)
	require.NoError(t, err)
	require.NoError(t, cs.CloseWrite())

	require.NoError(t, cs.SetReadDeadline(time.Now().Add(10*time.Second)))
	got, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got))
}

func TestStream_ResetSeenByPeer(t *testing.T) {
	client, server := newPair(t)

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := server.AcceptStream()
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()

	cs, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = cs.Write([]byte("x"))
	require.NoError(t, err)

	ss := <-accepted
	require.NotNil(t, ss)
	buf := make([]byte, 1)
	_, err = io.ReadFull(ss, buf)
	require.NoError(t, err)

	require.NoError(t, cs.Reset())
	require.NoError(t, ss.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = ss.Read(buf)
	assert.ErrorIs(t, err, lyamux.ErrStreamReset)
}

func TestStream_Reset(t *testing.T) {
	client, server := newPair(t)

	go func() {
		_, _ = server.AcceptStream()
	}()

	cs, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	require.NoError(t, cs.Reset())

	_, err = cs.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestMuxer_Closed(t *testing.T) {
	client, server := newPair(t)
	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	_, err := client.OpenStream(context.Background())
	assert.ErrorIs(t, err, ErrMuxerClosed)

	select {
	case <-server.CloseChan():
	case <-time.After(5 * time.Second):
		t.Fatal("对端会话未关闭")
	}
	_, err = server.AcceptStream()
	assert.ErrorIs(t, err, ErrMuxerClosed)
}
