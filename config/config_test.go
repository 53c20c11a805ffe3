package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 确定性的合法 PeerID（sha2-256 multihash 的 base58）
const testPeer = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Transport.PortReuse)
	assert.True(t, cfg.HolePunch.Enable)
	assert.True(t, cfg.Relay.Server.ReplaceExisting)
	assert.Nil(t, cfg.Identity.Seed)
}

func TestValidate_SenderRequiresRelayAndRemote(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Perf.Mode = ModeSender
	assert.Error(t, cfg.Validate())

	cfg.Relay.Addr = "/ip4/127.0.0.1/tcp/4001/p2p/" + testPeer
	assert.Error(t, cfg.Validate())

	cfg.Perf.RemotePeer = testPeer
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RelayAddrNeedsPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Perf.Mode = ModeReceiver
	cfg.Relay.Addr = "/ip4/127.0.0.1/tcp/4001"
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":        func(c *Config) { c.Perf.Mode = "both" },
		"listen":      func(c *Config) { c.Transport.ListenAddrs = []string{"not-an-addr"} },
		"ttl":         func(c *Config) { c.Relay.Server.ReservationTTL = 0 },
		"max ttl":     func(c *Config) { c.Relay.Server.MaxReservationTTL = Duration(time.Second) },
		"limits":      func(c *Config) { c.Relay.Server.MaxCircuits = -1 },
		"race":        func(c *Config) { c.HolePunch.DialRaceTimeout = 0 },
		"candidates":  func(c *Config) { c.HolePunch.MaxCandidates = 0 },
		"dial":        func(c *Config) { c.Transport.DialTimeout = 0 },
		"cache":       func(c *Config) { c.Identify.ObservedAddrCacheSize = 0 },
		"client ttl":  func(c *Config) { c.Relay.Client.ReservationTTL = 0 },
		"sync delay":  func(c *Config) { c.HolePunch.MaxSyncDelay = -1 },
		"grace":       func(c *Config) { c.Relay.Server.GracePeriod = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":1000}`), &v))
	assert.Equal(t, 90*time.Second, v.A.Duration())
	assert.Equal(t, time.Microsecond, v.B.Duration())

	out, err := json.Marshal(v.A)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestLoadFile_KeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.json")
	data := `{"perf":{"mode":"receiver","bytes":42},"relay":{"addr":"/ip4/1.2.3.4/tcp/4001/p2p/` + testPeer + `"},"identity":{"seed":3}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeReceiver, cfg.Perf.Mode)
	assert.Equal(t, uint64(42), cfg.Perf.Bytes)
	require.NotNil(t, cfg.Identity.Seed)
	assert.Equal(t, uint8(3), *cfg.Identity.Seed)
	assert.Equal(t, DefaultConfig().HolePunch, cfg.HolePunch)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DCUTR_SEED":             "7",
		"DCUTR_LISTEN_ADDRS":     " /ip4/0.0.0.0/tcp/4001 , /ip6/::/tcp/4001 ,",
		"DCUTR_MODE":             "SENDER",
		"DCUTR_REMOTE_PEER":      testPeer,
		"DCUTR_PERF_BYTES":       "1024",
		"DCUTR_ENABLE_HOLEPUNCH": "off",
		"DCUTR_REQUIRE_DIRECT":   "yes",
	}
	cfg := DefaultConfig()
	require.NoError(t, applyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	require.NotNil(t, cfg.Identity.Seed)
	assert.Equal(t, uint8(7), *cfg.Identity.Seed)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001", "/ip6/::/tcp/4001"}, cfg.Transport.ListenAddrs)
	assert.Equal(t, ModeSender, cfg.Perf.Mode)
	assert.Equal(t, testPeer, cfg.Perf.RemotePeer)
	assert.Equal(t, uint64(1024), cfg.Perf.Bytes)
	assert.False(t, cfg.HolePunch.Enable)
	assert.True(t, cfg.HolePunch.RequireDirect)
}

func TestApplyEnv_InvalidSeed(t *testing.T) {
	cfg := DefaultConfig()
	err := applyEnv(cfg, func(k string) (string, bool) {
		if k == EnvPrefix+EnvSeed {
			return "300", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed(-1)
	require.NoError(t, err)
	assert.Nil(t, seed)

	seed, err = ParseSeed(42)
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, uint8(42), *seed)

	_, err = ParseSeed(256)
	assert.Error(t, err)
	_, err = ParseSeed(-2)
	assert.Error(t, err)
}
