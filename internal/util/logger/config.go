package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogFormat 日志输出格式
type LogFormat int

const (
	// FormatText 文本格式（默认）
	FormatText LogFormat = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// 环境变量名
const (
	EnvLevel     = "DCUTR_LOG_LEVEL"
	EnvFormat    = "DCUTR_LOG_FORMAT"
	EnvAddSource = "DCUTR_LOG_ADD_SOURCE"
)

// Config 日志配置
type Config struct {
	// DefaultLevel 默认日志级别
	DefaultLevel slog.Level

	// SubsystemLevels 各子系统的日志级别
	SubsystemLevels map[string]slog.Level

	// Format 输出格式
	Format LogFormat

	// AddSource 是否添加源码位置
	AddSource bool
}

// LevelForSubsystem 获取指定子系统的日志级别
//
// 子系统名按 "." 分段逐级回退，例如 relay.server 未配置时使用 relay 的级别。
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	name := subsystem
	for {
		if level, ok := c.SubsystemLevels[name]; ok {
			return level
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			return c.DefaultLevel
		}
		name = name[:i]
	}
}

var (
	configMu     sync.RWMutex
	activeConfig *Config
)

// currentConfig 返回生效的配置，首次调用时从环境变量解析
func currentConfig() *Config {
	configMu.RLock()
	cfg := activeConfig
	configMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	configMu.Lock()
	defer configMu.Unlock()
	if activeConfig == nil {
		activeConfig = ConfigFromEnv()
	}
	return activeConfig
}

// ConfigFromEnv 从环境变量解析配置
//
// 环境变量:
//   - DCUTR_LOG_LEVEL: 格式 子系统=级别,子系统=级别,默认级别
//     示例: holepunch=debug,relay=warn,info
//   - DCUTR_LOG_FORMAT: text 或 json
//   - DCUTR_LOG_ADD_SOURCE: true 或 false
func ConfigFromEnv() *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}

	if levelStr := os.Getenv(EnvLevel); levelStr != "" {
		ParseLevelSpec(cfg, levelStr)
	}
	if formatStr := os.Getenv(EnvFormat); formatStr != "" {
		cfg.Format = ParseFormat(formatStr)
	}
	if addSourceStr := os.Getenv(EnvAddSource); addSourceStr != "" {
		cfg.AddSource = addSourceStr != "false" && addSourceStr != "0"
	}
	return cfg
}

// ParseLevelSpec 解析级别配置字符串并写入 cfg
func ParseLevelSpec(cfg *Config, spec string) {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		subsystem, levelName, found := strings.Cut(part, "=")
		if !found {
			if level, ok := ParseLevel(part); ok {
				cfg.DefaultLevel = level
			}
			continue
		}
		if level, ok := ParseLevel(strings.TrimSpace(levelName)); ok {
			cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = level
		}
	}
}

// ParseLevel 解析日志级别名称
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ParseFormat 解析输出格式，未知值按 text 处理
func ParseFormat(name string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(name), "json") {
		return FormatJSON
	}
	return FormatText
}

// Configure 应用新的日志配置
//
// 已创建的 Logger 会按新配置调整级别；格式变化只影响之后创建的 Logger。
// 通常在进程启动、加载完配置文件后调用一次。
func Configure(cfg *Config) {
	if cfg.SubsystemLevels == nil {
		cfg.SubsystemLevels = make(map[string]slog.Level)
	}
	configMu.Lock()
	activeConfig = cfg
	configMu.Unlock()

	handlers.Range(func(key, value any) bool {
		value.(*subsystemHandler).SetLevel(cfg.LevelForSubsystem(key.(string)))
		return true
	})
}

// ResetConfig 重置为环境变量配置（仅用于测试）
func ResetConfig() {
	Configure(ConfigFromEnv())
}
