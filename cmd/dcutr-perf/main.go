// Package main 提供 dcutr-perf 测速节点
//
// 接收方在中继上预约并等待测速；发送方经中继拨号接收方，等待打洞
// 升级为直连后执行测速并打印结果。
//
// 使用方法:
//
//	dcutr-perf -mode receiver -seed 2 -relay /ip4/1.2.3.4/tcp/4001/p2p/<relayID>
//	dcutr-perf -mode sender -seed 1 -relay /ip4/1.2.3.4/tcp/4001/p2p/<relayID> \
//	    -remote <receiverID> -bytes 100000000
package main

import (
	"context"
	"fmt"
	"os"

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
	if cfg.Perf.Mode == "" {
		return fmt.Errorf("配置错误: -mode 必须为 sender 或 receiver")
	}

	ctx, cancel := app.SignalContext(context.Background())
	defer cancel()

	return app.Run(ctx, app.NewBootstrap(cfg), os.Stdout)
}
