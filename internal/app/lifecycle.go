package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// SignalContext 返回收到 SIGINT / SIGTERM 时取消的 ctx
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Run 启动节点并执行对应流程
//
// 中继节点与接收方运行到 ctx 取消；发送方完成测速后把报告写到 out 并返回。
// 退出时总会停止节点。
func Run(ctx context.Context, b *Bootstrap, out io.Writer) (err error) {
	rt, err := b.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.Stop(context.Background()))
	}()

	switch rt.Config.Perf.Mode {
	case config.ModeSender:
		report, err := RunSender(ctx, rt)
		if report != nil {
			report.Print(out)
		}
		return err
	case config.ModeReceiver:
		return RunReceiver(ctx, rt)
	default:
		for _, a := range rt.Host.Addrs() {
			if addr, err := types.WithPeer(a, rt.Host.ID()); err == nil {
				log.Info("中继地址", "addr", addr)
			}
		}
		<-ctx.Done()
		return nil
	}
}

// Print 打印报告，格式面向终端
func (r *Report) Print(w io.Writer) {
	hp := r.HolePunch
	fmt.Fprintf(w, "peer:      %s\n", r.Peer)
	fmt.Fprintf(w, "holepunch: %s (rtt %s, took %s)\n", hp.State, hp.RTT, hp.Duration)
	if hp.Err != nil {
		fmt.Fprintf(w, "           %v\n", hp.Err)
	}
	for i, res := range r.Runs {
		fmt.Fprintf(w, "run %d [%s]: %s\n", i+1, res.Path, res)
	}
}
