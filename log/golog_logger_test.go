package log

import (
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestNewGologLogger(t *testing.T) {
	logger := NewGologLogger(golog.New())

	assert.NotNil(t, logger)
	assert.Equal(t, LogLevelInfo, logger.GetLevel())
}

func TestGologLogger_LevelControl(t *testing.T) {
	logger := NewGologLogger(golog.New())

	logger.SetLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())

	logger.SetLevel(LogLevelError)
	assert.Equal(t, LogLevelError, logger.GetLevel())

	logger.SetLevel(LogLevelNone)
	assert.Equal(t, LogLevelNone, logger.GetLevel())
}

func TestGologLogger_Logging(t *testing.T) {
	logger := NewGologLogger(golog.New())
	logger.SetLevel(LogLevelDebug)

	// Every level and format verb should log without panicking.
	logger.Debug("checkpoint %s written", "cp-1")
	logger.Info("thread %s resumed at step %d", "thread-1", 2)
	logger.Warn("falling back to %v", map[string]string{"store": "memory"})
	logger.Error("step failed: %v", assert.AnError)
}

func TestGologLogger_LevelFiltering(t *testing.T) {
	logger := NewGologLogger(golog.New())
	logger.SetLevel(LogLevelError)

	logger.Debug("filtered")
	logger.Info("filtered")
	logger.Warn("filtered")
	logger.Error("logged")

	assert.Equal(t, LogLevelError, logger.GetLevel())
}

func TestSetDefaultLogger_Golog(t *testing.T) {
	prev := GetDefaultLogger()
	defer SetDefaultLogger(prev)

	logger := NewGologLogger(golog.New())
	SetDefaultLogger(logger)

	assert.Same(t, logger, GetDefaultLogger())
	Info("routed through the golog adapter")
}
