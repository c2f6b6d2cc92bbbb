package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		for _, format := range []string{"json", "console"} {
			l, err := New(level, format)
			require.NoError(t, err, "level=%s format=%s", level, format)
			require.NotNil(t, l)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("verbose", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLevelFiltering(t *testing.T) {
	l, err := New("warn", "json")
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestTestLoggerObservesEntries(t *testing.T) {
	tl := NewTestLogger()
	tl.Info("defect filed")
	tl.Warn("iteration budget exhausted")

	assert.Len(t, tl.All(), 2)
	tl.AssertLogged(t, zapcore.InfoLevel, "defect filed")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "defect filed")
	assert.Equal(t, 1, tl.FilterMessage("iteration budget exhausted").Len())
}
