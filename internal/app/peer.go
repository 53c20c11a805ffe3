package app

import (
	"context"
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/nat/holepunch"
	"github.com/dep2p/dcutr-perf/internal/core/perf"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// Report 发送方一次运行的汇总
type Report struct {
	// Peer 接收方
	Peer types.PeerID

	// HolePunch 打洞结果
	HolePunch holepunch.Result

	// Runs 各次测速结果，按执行顺序
	Runs []*perf.Result
}

// Direct 测速是否走直连
func (r *Report) Direct() bool {
	return r.HolePunch.Direct
}

// ============================================================================
//                              接收方
// ============================================================================

// RunReceiver 在中继上保持预约并响应测速，直到 ctx 取消
//
// ctx 取消视为正常退出，返回 nil。
func RunReceiver(ctx context.Context, rt *Runtime) error {
	if rt.RelayClient == nil {
		return ErrWrongKind
	}
	relayAddr, err := rt.Config.RelayMultiaddr()
	if err != nil {
		return err
	}
	if err := learnExternalAddr(ctx, rt, relayAddr); err != nil {
		return err
	}

	log.Info("接收方就绪，等待测速", "peer", rt.Host.ID().String())
	err = rt.RelayClient.KeepReserved(ctx, relayAddr)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ============================================================================
//                              发送方
// ============================================================================

// RunSender 经中继拨号接收方，等待打洞结果后执行测速
//
// 打洞失败时在中继连接上测速；配置了 RequireDirect 时改为返回
// ErrUpgradeFailed。
func RunSender(ctx context.Context, rt *Runtime) (*Report, error) {
	if rt.Perf == nil {
		return nil, ErrWrongKind
	}
	cfg := rt.Config
	relayAddr, err := cfg.RelayMultiaddr()
	if err != nil {
		return nil, err
	}
	remote, err := cfg.RemotePeerID()
	if err != nil {
		return nil, err
	}
	if err := learnExternalAddr(ctx, rt, relayAddr); err != nil {
		return nil, err
	}

	circuit, err := types.CircuitAddr(relayAddr, remote)
	if err != nil {
		return nil, err
	}
	if _, err := rt.Host.Connect(ctx, circuit); err != nil {
		return nil, fmt.Errorf("经中继拨号接收方: %w", err)
	}
	log.Info("已经中继连接接收方", "peer", remote.ShortString(), "addr", circuit)

	hp, err := rt.HolePunch.Await(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("等待打洞结果: %w", err)
	}
	if hp.Conn == nil {
		return nil, fmt.Errorf("%w: %s", host.ErrNoConnection, remote.ShortString())
	}
	log.Info("打洞结束",
		"peer", remote.ShortString(),
		"state", hp.State,
		"path", pathOf(hp.Conn),
		"rtt", hp.RTT,
		"took", hp.Duration)

	report := &Report{Peer: remote, HolePunch: hp}
	if !hp.Direct {
		if cfg.HolePunch.RequireDirect {
			return report, fmt.Errorf("%w: %v", ErrUpgradeFailed, hp.Err)
		}
		log.Warn("打洞未成功，在中继连接上测速", "peer", remote.ShortString(), "err", hp.Err)
	}

	for i := 0; i < cfg.Perf.Sessions; i++ {
		res, err := rt.Perf.RunOn(ctx, hp.Conn, cfg.Perf.Bytes)
		if err != nil {
			return report, fmt.Errorf("第 %d 次测速: %w", i+1, err)
		}
		report.Runs = append(report.Runs, res)
	}
	return report, nil
}

// learnExternalAddr 连接中继并等待 identify 完成，获得观测地址
func learnExternalAddr(ctx context.Context, rt *Runtime, relayAddr ma.Multiaddr) error {
	conn, err := rt.Host.Connect(ctx, relayAddr)
	if err != nil {
		return fmt.Errorf("连接中继: %w", err)
	}
	select {
	case <-rt.Identify.IdentifyWait(conn):
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("已连接中继",
		"relay", conn.RemotePeer().ShortString(),
		"observed", rt.Identify.ObservedAddrs())
	return nil
}

func pathOf(c *host.Conn) string {
	if c.IsRelayed() {
		return perf.PathRelayed
	}
	return perf.PathDirect
}
