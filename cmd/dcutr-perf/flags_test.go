package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/dcutr-perf/config"
)

const (
	testRelay = "/ip4/127.0.0.1/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
	testPeer  = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
)

func TestLoadConfig_Flags(t *testing.T) {
	cfg, err := loadConfig([]string{
		"-mode", "sender",
		"-seed", "1",
		"-relay", testRelay,
		"-remote", testPeer,
		"-bytes", "1000",
		"-sessions", "3",
		"-timeout", "30s",
		"-require-direct",
		"-holepunch=false",
	})
	require.NoError(t, err)

	assert.Equal(t, config.ModeSender, cfg.Perf.Mode)
	require.NotNil(t, cfg.Identity.Seed)
	assert.Equal(t, uint8(1), *cfg.Identity.Seed)
	assert.Equal(t, testRelay, cfg.Relay.Addr)
	assert.Equal(t, testPeer, cfg.Perf.RemotePeer)
	assert.EqualValues(t, 1000, cfg.Perf.Bytes)
	assert.Equal(t, 3, cfg.Perf.Sessions)
	assert.Equal(t, 30*time.Second, cfg.Perf.Timeout.Duration())
	assert.True(t, cfg.HolePunch.RequireDirect)
	assert.False(t, cfg.HolePunch.Enable)
}

func TestLoadConfig_UnsetFlagsKeepDefaults(t *testing.T) {
	cfg, err := loadConfig([]string{"-mode", "receiver", "-relay", testRelay})
	require.NoError(t, err)

	def := config.DefaultConfig()
	assert.Nil(t, cfg.Identity.Seed)
	assert.Equal(t, def.Perf.Bytes, cfg.Perf.Bytes)
	assert.Equal(t, def.HolePunch.Enable, cfg.HolePunch.Enable)
	assert.Equal(t, def.Transport.ListenAddrs, cfg.Transport.ListenAddrs)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig([]string{"-mode", "sender", "-relay", testRelay})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-mode", "receiver", "-relay", testRelay, "-seed", "300"})
	assert.Error(t, err)
}
