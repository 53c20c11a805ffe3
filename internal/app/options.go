package app

import (
	"time"

	"go.uber.org/fx"
)

// BootstrapOption Bootstrap 配置选项
type BootstrapOption func(*Bootstrap)

// WithStartTimeout 设置 fx 启动超时
func WithStartTimeout(d time.Duration) BootstrapOption {
	return func(b *Bootstrap) {
		b.startTimeout = d
	}
}

// WithStopTimeout 设置 fx 停止超时
func WithStopTimeout(d time.Duration) BootstrapOption {
	return func(b *Bootstrap) {
		b.stopTimeout = d
	}
}

// WithFxOptions 追加 fx 选项，测试中用于替换或取出组件
func WithFxOptions(opts ...fx.Option) BootstrapOption {
	return func(b *Bootstrap) {
		b.extra = append(b.extra, opts...)
	}
}
