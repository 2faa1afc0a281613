package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerRespectsLevel(t *testing.T) {
	ctx := context.Background()

	logger := NewLogger(&Config{LogLevel: "info"})
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))

	logger = NewLogger(&Config{LogLevel: "debug"})
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	logger = NewLogger(&Config{LogLevel: "error"})
	assert.False(t, logger.Enabled(ctx, slog.LevelWarn))

	// Unknown levels fall back to info.
	logger = NewLogger(&Config{LogLevel: "shouty"})
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestNewLoggerNilConfig(t *testing.T) {
	logger := NewLogger(nil)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
