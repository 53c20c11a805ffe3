package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
)

var log = logger.Logger("app")

// 默认生命周期超时
const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 30 * time.Second
)

// Kind 节点类型
type Kind int

const (
	// KindRelay 中继节点
	KindRelay Kind = iota
	// KindPeer 测速节点（发送方或接收方）
	KindPeer
)

func (k Kind) String() string {
	if k == KindRelay {
		return "relay"
	}
	return "peer"
}

// KindOf 按配置判断节点类型：未设置测速模式即为中继节点
func KindOf(cfg *config.Config) Kind {
	if cfg.Perf.Mode == "" {
		return KindRelay
	}
	return KindPeer
}

// Bootstrap 应用引导程序
//
// Bootstrap 负责：
//   - 初始化日志
//   - 按节点类型组装 fx 模块
//   - 管理应用生命周期
type Bootstrap struct {
	config *config.Config
	kind   Kind
	extra  []fx.Option

	startTimeout time.Duration
	stopTimeout  time.Duration

	fxApp   *fx.App
	logFile io.Closer
}

// NewBootstrap 创建引导程序
func NewBootstrap(cfg *config.Config, opts ...BootstrapOption) *Bootstrap {
	b := &Bootstrap{
		config:       cfg,
		kind:         KindOf(cfg),
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind 节点类型
func (b *Bootstrap) Kind() Kind {
	return b.kind
}

// Start 组装并启动节点
func (b *Bootstrap) Start(ctx context.Context) (*Runtime, error) {
	if b.fxApp != nil {
		return nil, ErrAlreadyStarted
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	// 日志配置必须在所有模块初始化之前应用
	if err := b.setupLogging(); err != nil {
		return nil, fmt.Errorf("设置日志失败: %w", err)
	}

	rt := &Runtime{stop: b.Stop}
	b.fxApp = fx.New(
		fx.Supply(b.config),
		b.setupModules(),
		rt.populateFoundation(),
		b.populate(rt),
		fx.Options(b.extra...),
		fx.NopLogger,
	)
	if err := b.fxApp.Err(); err != nil {
		b.closeLog()
		return nil, fmt.Errorf("组装模块失败: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, b.startTimeout)
	defer cancel()
	if err := b.fxApp.Start(startCtx); err != nil {
		b.closeLog()
		return nil, fmt.Errorf("启动应用失败: %w", err)
	}

	log.Info("节点已启动",
		"kind", b.kind,
		"peer", rt.Host.ID().String(),
		"addrs", rt.Host.Addrs())
	return rt, nil
}

// Stop 停止应用
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.fxApp == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, b.stopTimeout)
	defer cancel()

	err := b.fxApp.Stop(stopCtx)
	log.Info("节点已停止", "kind", b.kind)
	b.closeLog()
	return err
}

// setupModules 按节点类型组装 fx 模块
func (b *Bootstrap) setupModules() fx.Option {
	if b.kind == KindRelay {
		return RelayNodeModules()
	}
	return PeerNodeModules()
}

func (b *Bootstrap) populate(rt *Runtime) fx.Option {
	if b.kind == KindRelay {
		return rt.populateRelay()
	}
	return rt.populatePeer()
}

// setupLogging 应用日志配置
//
// DCUTR_LOG_LEVEL / DCUTR_LOG_FORMAT 已设置时优先于配置文件。
// 指定了 File 时把全部日志重定向到文件。
func (b *Bootstrap) setupLogging() error {
	lc := b.config.Log
	cfg := logger.ConfigFromEnv()
	if lc.Level != "" && os.Getenv(logger.EnvLevel) == "" {
		logger.ParseLevelSpec(cfg, lc.Level)
	}
	if lc.Format != "" && os.Getenv(logger.EnvFormat) == "" {
		cfg.Format = logger.ParseFormat(lc.Format)
	}
	logger.Configure(cfg)

	if lc.File == "" {
		return nil
	}
	file, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	logger.SetOutput(file)
	b.logFile = file
	log.Info("日志文件初始化成功", "path", lc.File)
	return nil
}

func (b *Bootstrap) closeLog() {
	if b.logFile == nil {
		return
	}
	logger.SetOutput(os.Stderr)
	_ = b.logFile.Close()
	b.logFile = nil
}
