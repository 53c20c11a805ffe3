// Package main 提供独立的中继服务器
//
// 中继服务器接受 NAT 后节点的预约，并在两个节点之间转发电路流量，
// 同时应答 identify，使节点获知自己的外部地址。
//
// 使用方法:
//
//	relay-server -listen /ip4/0.0.0.0/tcp/4001 -seed 0 -metrics :9090
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	ctx, cancel := app.SignalContext(context.Background())
	defer cancel()

	return app.Run(ctx, app.NewBootstrap(cfg), os.Stdout)
}

// loadConfig 解析参数并按优先级合成配置
//
// 优先级（从高到低）：命令行参数 > DCUTR_* 环境变量 > 配置文件 > 默认值。
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("relay-server", flag.ContinueOnError)
	configFile := fs.String("config", "", "JSON 配置文件路径")
	listen := fs.String("listen", "/ip4/0.0.0.0/tcp/4001", "监听地址，逗号分隔")
	seed := fs.Int("seed", -1, "确定性身份种子 (0-255)，-1 表示随机")
	metricsAddr := fs.String("metrics", "", "Prometheus 指标监听地址")
	introspectAddr := fs.String("introspect", "", "自省 HTTP 服务地址，如 127.0.0.1:6060")
	maxReservations := fs.Int("max-reservations", 0, "预约上限")
	maxCircuits := fs.Int("max-circuits", 0, "电路上限")
	logLevel := fs.String("log-level", "", "日志级别，格式同 DCUTR_LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFile(*configFile); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	var seedErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Transport.ListenAddrs = config.SplitAndTrim(*listen, ",")
		case "seed":
			cfg.Identity.Seed, seedErr = config.ParseSeed(*seed)
		case "metrics":
			cfg.Metrics.ListenAddr = *metricsAddr
		case "introspect":
			cfg.Metrics.IntrospectAddr = *introspectAddr
		case "max-reservations":
			cfg.Relay.Server.MaxReservations = *maxReservations
		case "max-circuits":
			cfg.Relay.Server.MaxCircuits = *maxCircuits
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if seedErr != nil {
		return nil, seedErr
	}
	// 没有配置文件和环境变量时使用 -listen 的默认值
	if *configFile == "" && os.Getenv(config.EnvPrefix+config.EnvListenAddrs) == "" && !isSet(fs, "listen") {
		cfg.Transport.ListenAddrs = config.SplitAndTrim(*listen, ",")
	}

	// 中继节点不运行测速流程
	cfg.Perf.Mode = ""
	return cfg, cfg.Validate()
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
