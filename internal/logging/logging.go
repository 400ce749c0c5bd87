// Package logging builds the process logger: a zap core exposed through
// log/slog so every package logs with *slog.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	Level     string // debug|info|warn|error
	Format    string // json|text
	AddSource bool
	Output    io.Writer // defaults to stdout
}

// Logger pairs the slog front end with the zap core that writes it.
type Logger struct {
	*slog.Logger
	zap *zap.Logger
}

// New builds a Logger.
func New(opts Options) *Logger {
	z := buildZap(opts)
	handler := slogzap.Option{
		Level:     ParseLevel(opts.Level),
		Logger:    z,
		AddSource: opts.AddSource,
	}.NewZapHandler()
	return &Logger{Logger: slog.New(handler), zap: z}
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildZap(opts Options) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "text") {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapLevel(ParseLevel(opts.Level)))

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.AddSource {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
