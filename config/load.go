package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "DCUTR_"

// 环境变量名（不含前缀）
const (
	EnvSeed          = "SEED"
	EnvListenAddrs   = "LISTEN_ADDRS"
	EnvRelayAddr     = "RELAY_ADDR"
	EnvMode          = "MODE"
	EnvRemotePeer    = "REMOTE_PEER"
	EnvPerfBytes     = "PERF_BYTES"
	EnvPerfSessions  = "PERF_SESSIONS"
	EnvHolePunch     = "ENABLE_HOLEPUNCH"
	EnvRequireDirect = "REQUIRE_DIRECT"
	EnvNATPMP        = "ENABLE_NATPMP"
	EnvMetricsAddr   = "METRICS_ADDR"
	EnvIntrospect    = "INTROSPECT_ADDR"
	EnvLogFile       = "LOG_FILE"
)

// LoadFile 从 JSON 文件加载配置，文件中未出现的字段保留默认值
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // 用户指定的配置文件路径
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv 应用环境变量覆盖
//
// 环境变量优先级高于配置文件，低于命令行参数。格式错误的值会返回错误，
// 不会被静默忽略。
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get(EnvSeed); ok {
		seed, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, EnvSeed, err)
		}
		cfg.Identity.Seed = SeedValue(uint8(seed))
	}
	if v, ok := get(EnvListenAddrs); ok {
		cfg.Transport.ListenAddrs = SplitAndTrim(v, ",")
	}
	if v, ok := get(EnvRelayAddr); ok {
		cfg.Relay.Addr = v
	}
	if v, ok := get(EnvMode); ok {
		cfg.Perf.Mode = strings.ToLower(v)
	}
	if v, ok := get(EnvRemotePeer); ok {
		cfg.Perf.RemotePeer = v
	}
	if v, ok := get(EnvPerfBytes); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, EnvPerfBytes, err)
		}
		cfg.Perf.Bytes = n
	}
	if v, ok := get(EnvPerfSessions); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, EnvPerfSessions, err)
		}
		cfg.Perf.Sessions = n
	}
	if v, ok := get(EnvHolePunch); ok {
		cfg.HolePunch.Enable = ParseBool(v)
	}
	if v, ok := get(EnvRequireDirect); ok {
		cfg.HolePunch.RequireDirect = ParseBool(v)
	}
	if v, ok := get(EnvNATPMP); ok {
		cfg.NAT.EnableNATPMP = ParseBool(v)
	}
	if v, ok := get(EnvMetricsAddr); ok {
		cfg.Metrics.ListenAddr = v
	}
	if v, ok := get(EnvIntrospect); ok {
		cfg.Metrics.IntrospectAddr = v
	}
	if v, ok := get(EnvLogFile); ok {
		cfg.Log.File = v
	}
	return nil
}

// ParseBool 解析布尔值（支持 true/false/1/0/yes/no/on/off）
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// SplitAndTrim 分割字符串并去除空白与空项
func SplitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
