// Package logging provides the module-scoped loggers used throughout
// rdiff-backup.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	root  = newRoot(os.Stderr)
)

func newRoot(w zapcore.WriteSyncer) *zap.Logger {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.TimeKey = ""

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(ec),
		zapcore.Lock(w),
		level,
	))
}

// Logger returns a logger for the given module, e.g. "rdiff/shadow".
func Logger(module string) *zap.SugaredLogger {
	return root.Sugar().Named(module)
}

// SetLevel changes the level of all module loggers.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// LevelFromVerbosity maps a 0..3 verbosity counter to a log level.
func LevelFromVerbosity(v int) zapcore.Level {
	switch {
	case v <= 0:
		return zapcore.WarnLevel
	case v == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
