// Package logging builds the structured zap logger shared by the relay and
// the chat client.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON zap logger at the provided level.
func NewLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// Fail logs err at error level, runs cleanups in order, flushes logger and
// returns the exit status for os.Exit.
func Fail(logger *zap.Logger, msg string, err error, cleanups ...func()) int {
	logger.Error(msg, zap.Error(err))
	for _, fn := range cleanups {
		fn()
	}
	_ = logger.Sync()
	return 1
}
