// Package logging builds the zap loggers used across the module.
// Components take a *zap.Logger collaborator; nil is widened to a nop
// logger at each constructor, so tests can pass nil.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger for CLI use. verbose lowers the level
// to debug and adds caller annotations.
func New(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.DisableCaller = true
	}
	log, err := cfg.Build()
	if err != nil {
		// The development config cannot fail to build; fall back to
		// a nop logger rather than panic in a CLI path.
		return zap.NewNop()
	}
	return log
}

// OrNop widens a possibly-nil logger.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
