package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}
	ctx := WithRunID(context.Background(), "run-1")

	logger.Trace(ctx, "trace message")
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	entries := observed.All()
	require.Len(t, entries, 5)
	levels := []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range entries {
		assert.Equal(t, levels[i], entry.Level)
		assert.Equal(t, "run-1", entry.ContextMap()["run.id"])
	}
}

func TestLogger_TraceFilteredAboveLevel(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Trace(context.Background(), "hidden")
	logger.Debug(context.Background(), "hidden too")

	assert.Zero(t, observed.Len())
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("engine").With(zap.String("component", "router"))

	child.Info(context.Background(), "routed")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "router", entries[0].ContextMap()["component"])
}

func TestLogger_ComponentLevels(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	cfg := NewDefaultConfig()
	cfg.Components = map[string]zapcore.Level{"engine": zapcore.DebugLevel, "bus": zapcore.ErrorLevel}
	root := &Logger{zap: zap.New(atLevel(core, cfg.Level)), config: cfg}
	ctx := context.Background()

	root.Debug(ctx, "root debug")
	root.Named("engine").Debug(ctx, "engine debug")
	root.Named("engine").With(zap.String("stage", "coder")).Debug(ctx, "engine child debug")
	root.Named("bus").Warn(ctx, "bus warn")
	root.Named("bus").Error(ctx, "bus error")
	root.Named("sweep").Info(ctx, "sweep info")

	var msgs []string
	for _, e := range observed.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"engine debug", "engine child debug", "bus error", "sweep info"}, msgs)
}

func TestTestLogger_ForRun(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(WithRunID(context.Background(), "run-1"), "stage started")
	tl.Info(WithRunID(context.Background(), "run-2"), "stage started")
	tl.Info(context.Background(), "untagged")

	assert.Len(t, tl.ForRun("run-1"), 1)
	assert.Equal(t, []string{"stage started", "stage started", "untagged"}, tl.Messages())
	tl.AssertField(t, "stage started", "run.id", "run-2")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "stage")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{Enabled: true, Tick: 1e9, Initial: 1, Thereafter: 0})
	logger := zap.New(sampled)

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
		logger.Error("failure")
	}

	assert.Equal(t, 1, observed.FilterMessage("repeated").Len())
	assert.Equal(t, 5, observed.FilterMessage("failure").Len())
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "discarded")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "kept")
	tl.AssertLogged(t, zapcore.InfoLevel, "kept")
}
