// Package logging builds the zap loggers used across zarr-downscale.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries stay consistent across components.
const (
	FieldRun        = "run"
	FieldVariable   = "variable"
	FieldWindow     = "window"
	FieldBatch      = "batch"
	FieldCount      = "count"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldDest       = "dest"
	FieldSource     = "source"
	FieldWorkers    = "workers"
)

// Verbosity levels for CLI flag counts.
const (
	VerbosityUser  = 0 // no flags: warnings and errors
	VerbosityInfo  = 1 // -v: + run and batch progress
	VerbosityDebug = 2 // -vv: + per-window events and retries
)

// VerbosityToLevel maps a -v flag count to a zap level.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// New returns a logger writing to stderr: JSON lines when json is set,
// human-readable console output otherwise.
func New(json bool, verbosity int) *zap.SugaredLogger {
	return newLogger(json, verbosity, zapcore.Lock(os.Stderr)).Sugar()
}

func newLogger(json bool, verbosity int, ws zapcore.WriteSyncer) *zap.Logger {
	var enc zapcore.Encoder
	if json {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, ws, VerbosityToLevel(verbosity)))
}

// Component names log after a component, tolerating a nil logger.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log.Named(name)
}
