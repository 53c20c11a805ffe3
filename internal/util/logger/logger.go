// Package logger 提供统一的分子系统日志
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别（relay.server 可回退到 relay 的配置）
//   - 环境变量配置（DCUTR_LOG_LEVEL, DCUTR_LOG_FORMAT）
//   - 运行时通过 Configure / SetLevel 调整
//
// 使用示例:
//
//	var log = logger.Logger("relay.server")
//
//	func foo() {
//	    log.Info("电路已建立", "dialer", dialer.ShortString(), "listener", target.ShortString())
//	}
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用返回相同实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	handler := newHandler(subsystem, currentConfig())
	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(handler))
	if !loaded {
		handlers.Store(subsystem, handler)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel 设置所有已创建子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// SetOutput 设置全局日志输出目标，对已创建的 Logger 同样生效
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}

// Discard 返回一个丢弃所有日志的 Logger
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}
