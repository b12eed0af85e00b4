package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.Warn("bind failed", map[string]any{
		"account": "acct-1",
		"error":   errors.New("boom"),
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "bind failed", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)

	ctx := entry.ContextMap()
	assert.Equal(t, "acct-1", ctx["account"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestNewZapLoggerUnknownLevel(t *testing.T) {
	l, err := NewZapLogger("chatty")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, NoopLogger{}, OrNoop(nil))

	l := NewFromZap(zap.NewNop())
	assert.Same(t, l, OrNoop(l))
}
