package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// globalOutput 全局日志输出目标，默认为 stderr
	globalOutput   io.Writer = os.Stderr
	globalOutputMu sync.RWMutex
)

// dynamicWriter 每次写入时查找 globalOutput，Logger 创建后切换输出仍然生效
type dynamicWriter struct{}

func (dynamicWriter) Write(p []byte) (int, error) {
	globalOutputMu.RLock()
	output := globalOutput
	globalOutputMu.RUnlock()
	return output.Write(p)
}

// subsystemHandler 支持运行时调整级别的子系统 Handler
type subsystemHandler struct {
	level *slog.LevelVar
	inner slog.Handler
}

func newHandler(subsystem string, cfg *Config) *subsystemHandler {
	level := new(slog.LevelVar)
	level.Set(cfg.LevelForSubsystem(subsystem))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelToString(lvl))
				}
			}
			return a
		},
	}

	var inner slog.Handler
	if cfg.Format == FormatJSON {
		inner = slog.NewJSONHandler(dynamicWriter{}, opts)
	} else {
		inner = slog.NewTextHandler(dynamicWriter{}, opts)
	}

	return &subsystemHandler{
		level: level,
		inner: inner.WithAttrs([]slog.Attr{slog.String("subsystem", subsystem)}),
	}
}

// Enabled 检查是否启用指定级别
func (h *subsystemHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle 处理日志记录
func (h *subsystemHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

// WithAttrs 添加属性，共享同一个级别变量
func (h *subsystemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &subsystemHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

// WithGroup 添加组
func (h *subsystemHandler) WithGroup(name string) slog.Handler {
	return &subsystemHandler{level: h.level, inner: h.inner.WithGroup(name)}
}

// SetLevel 动态设置日志级别
func (h *subsystemHandler) SetLevel(level slog.Level) {
	h.level.Set(level)
}

func levelToString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// DiscardHandler 返回一个丢弃所有日志的 Handler
func DiscardHandler() slog.Handler {
	return discardHandler{}
}
