package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported output formats.
const (
	// FormatConsole is the human-readable console format.
	FormatConsole = "console"
	// FormatJSON is one JSON object per line, for log collectors.
	FormatJSON = "json"
)

var errUnknownLevel = errors.New("unknown log level")

var (
	// global is the process logger returned when a context carries none.
	//nolint:gochecknoglobals // Every package logs through the same sink.
	global atomic.Pointer[zap.SugaredLogger]
	// level is shared by every logger built here so Configure can change it in place.
	//nolint:gochecknoglobals // Same reason as global.
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

//nolint:gochecknoinits // Logging must work before Configure runs.
func init() {
	SetLogger(New(level))
}

// New builds a console logger writing to stderr.
func New(enabler zapcore.LevelEnabler) *zap.SugaredLogger {
	return build(FormatConsole, enabler, os.Stderr)
}

// Configure replaces the global logger according to the textual level and format.
// An empty level keeps the current one; unknown formats fall back to console.
func Configure(levelName, format string) error {
	if strings.TrimSpace(levelName) != "" {
		lvl, ok := ParseLogLevel(levelName)
		if !ok {
			return fmt.Errorf("%w: %q", errUnknownLevel, levelName)
		}

		level.SetLevel(lvl)
	}

	SetLogger(build(format, level, os.Stderr))

	return nil
}

// build creates a sugared logger with the requested encoder.
func build(format string, enabler zapcore.LevelEnabler, w io.Writer) *zap.SugaredLogger {
	if enabler == nil {
		enabler = level
	}

	cfg := zapcore.EncoderConfig{
		MessageKey:       "message",
		LevelKey:         "level",
		NameKey:          "logger",
		TimeKey:          "ts",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: ", ",
	}

	var encoder zapcore.Encoder

	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		cfg.EncodeDuration = zapcore.MillisDurationEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), enabler)).Sugar()
}

// ParseLogLevel converts the config level names into zap levels.
func ParseLogLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// Logger returns the global logger.
func Logger() *zap.SugaredLogger {
	return global.Load()
}

// SetLogger sets the global logger.
func SetLogger(l *zap.SugaredLogger) {
	global.Store(l)
}

// DebugKV writes a message and key-value pairs at the debug level.
func DebugKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Debugw(message, kvs...)
}

// Info writes an information level message.
func Info(ctx context.Context, args ...any) {
	FromContext(ctx).Info(args...)
}

// InfoKV writes a message and key-value pairs at the information level.
func InfoKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Infow(message, kvs...)
}

// Warnf writes a formatted warning.
func Warnf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Warnf(format, args...)
}

// WarnKV writes a message and key-value pairs at the warning level.
func WarnKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Warnw(message, kvs...)
}

// Error writes an error level message.
func Error(ctx context.Context, args ...any) {
	FromContext(ctx).Error(args...)
}

// Errorf writes a formatted error.
func Errorf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Errorf(format, args...)
}

// ErrorKV writes a message and key-value pairs at the error level.
func ErrorKV(ctx context.Context, message string, kvs ...any) {
	FromContext(ctx).Errorw(message, kvs...)
}
