package main

import (
	"flag"
	"time"

	"github.com/dep2p/dcutr-perf/config"
)

// ============================================================================
//                              命令行参数
// ============================================================================
//
// 优先级（从高到低）：命令行参数 > DCUTR_* 环境变量 > 配置文件 > 默认值。
// 只有显式给出的参数才会覆盖配置。

type flags struct {
	fs *flag.FlagSet

	configFile    string
	mode          string
	listen        string
	seed          int
	relay         string
	remote        string
	bytes         uint64
	sessions      int
	timeout       time.Duration
	requireDirect bool
	holePunch     bool
	natpmp        bool
	metrics       string
	introspect    string
	logLevel      string
}

func newFlags() *flags {
	f := &flags{fs: flag.NewFlagSet("dcutr-perf", flag.ContinueOnError)}
	f.fs.StringVar(&f.configFile, "config", "", "JSON 配置文件路径")
	f.fs.StringVar(&f.mode, "mode", "", "运行模式 (sender/receiver)")
	f.fs.StringVar(&f.listen, "listen", "", "监听地址，逗号分隔")
	f.fs.IntVar(&f.seed, "seed", -1, "确定性身份种子 (0-255)，-1 表示随机")
	f.fs.StringVar(&f.relay, "relay", "", "中继地址，需带 /p2p/<relayID>")
	f.fs.StringVar(&f.remote, "remote", "", "接收方 PeerID（发送方必填）")
	f.fs.Uint64Var(&f.bytes, "bytes", 0, "每次测速单向字节数")
	f.fs.IntVar(&f.sessions, "sessions", 0, "测速次数")
	f.fs.DurationVar(&f.timeout, "timeout", 0, "单次测速超时")
	f.fs.BoolVar(&f.requireDirect, "require-direct", false, "打洞失败时放弃测速")
	f.fs.BoolVar(&f.holePunch, "holepunch", true, "启用打洞")
	f.fs.BoolVar(&f.natpmp, "natpmp", false, "通过 NAT-PMP 映射监听端口")
	f.fs.StringVar(&f.metrics, "metrics", "", "Prometheus 指标监听地址")
	f.fs.StringVar(&f.introspect, "introspect", "", "自省 HTTP 服务地址，如 127.0.0.1:6060")
	f.fs.StringVar(&f.logLevel, "log-level", "", "日志级别，格式同 DCUTR_LOG_LEVEL")
	return f
}

// loadConfig 解析参数并按优先级合成配置
func loadConfig(args []string) (*config.Config, error) {
	f := newFlags()
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	var seedErr error
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "mode":
			cfg.Perf.Mode = f.mode
		case "listen":
			cfg.Transport.ListenAddrs = config.SplitAndTrim(f.listen, ",")
		case "seed":
			cfg.Identity.Seed, seedErr = config.ParseSeed(f.seed)
		case "relay":
			cfg.Relay.Addr = f.relay
		case "remote":
			cfg.Perf.RemotePeer = f.remote
		case "bytes":
			cfg.Perf.Bytes = f.bytes
		case "sessions":
			cfg.Perf.Sessions = f.sessions
		case "timeout":
			cfg.Perf.Timeout = config.Duration(f.timeout)
		case "require-direct":
			cfg.HolePunch.RequireDirect = f.requireDirect
		case "holepunch":
			cfg.HolePunch.Enable = f.holePunch
		case "natpmp":
			cfg.NAT.EnableNATPMP = f.natpmp
		case "metrics":
			cfg.Metrics.ListenAddr = f.metrics
		case "introspect":
			cfg.Metrics.IntrospectAddr = f.introspect
		case "log-level":
			cfg.Log.Level = f.logLevel
		}
	})
	if seedErr != nil {
		return nil, seedErr
	}
	return cfg, cfg.Validate()
}
