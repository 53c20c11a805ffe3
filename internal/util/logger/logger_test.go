package logger

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })
	return buf
}

func TestLogger_WritesSubsystemAndPairs(t *testing.T) {
	buf := captureOutput(t)

	Logger("test.write").Info("test message", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "test message")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "subsystem=test.write")
	assert.Contains(t, out, "level=info")
}

func TestLogger_SameInstance(t *testing.T) {
	assert.Same(t, Logger("test.same"), Logger("test.same"))
}

func TestSetOutput_ExistingLogger(t *testing.T) {
	log := Logger("test.switch")
	buf := captureOutput(t)

	log.Info("after switch")
	assert.Contains(t, buf.String(), "after switch")
}

func TestSetLevel(t *testing.T) {
	buf := captureOutput(t)
	log := Logger("test.level")

	SetLevel("test.level", slog.LevelError)
	log.Info("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	SetLevel("test.level", slog.LevelDebug)
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevelSpec(t *testing.T) {
	cfg := &Config{DefaultLevel: slog.LevelInfo, SubsystemLevels: map[string]slog.Level{}}
	ParseLevelSpec(cfg, "relay=debug, holepunch=warn ,error,bogus=loud")

	assert.Equal(t, slog.LevelError, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.SubsystemLevels["relay"])
	assert.Equal(t, slog.LevelWarn, cfg.SubsystemLevels["holepunch"])
	assert.NotContains(t, cfg.SubsystemLevels, "bogus")
}

func TestLevelForSubsystem_FallsBackToParent(t *testing.T) {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: map[string]slog.Level{"relay": slog.LevelDebug},
	}
	assert.Equal(t, slog.LevelDebug, cfg.LevelForSubsystem("relay.server"))
	assert.Equal(t, slog.LevelInfo, cfg.LevelForSubsystem("perf"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "perf=debug,warn")
	t.Setenv(EnvFormat, "json")
	t.Setenv(EnvAddSource, "1")

	cfg := ConfigFromEnv()
	require.NotNil(t, cfg)
	assert.Equal(t, slog.LevelWarn, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.SubsystemLevels["perf"])
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestConfigure_AdjustsExistingLoggers(t *testing.T) {
	buf := captureOutput(t)
	log := Logger("test.configure")
	t.Cleanup(ResetConfig)

	Configure(&Config{DefaultLevel: slog.LevelError})
	log.Warn("suppressed")
	assert.NotContains(t, buf.String(), "suppressed")

	Configure(&Config{DefaultLevel: slog.LevelDebug})
	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestDiscard(t *testing.T) {
	buf := captureOutput(t)
	Discard().Error("nothing")
	assert.Empty(t, buf.String())
}
