// Package logger is the printf-style application logger, backed by zerolog.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config for logger
type Config struct {
	Level   string // debug, info, warn, error; defaults to info
	Output  io.Writer
	Service string
	Pretty  bool // human-readable console output for development
}

// Logger wraps a zerolog.Logger with printf-style methods.
type Logger struct {
	zl zerolog.Logger
}

type requestIDKey struct{}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New creates a new logger instance
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	service := cfg.Service
	if service == "" {
		service = "mailflow"
	}

	zl := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{zl: zl}
}

// Init replaces the default logger.
func Init(cfg Config) {
	l := New(cfg)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Default returns the default logger
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Config{})
	}
	return defaultLogger
}

// Zerolog exposes the default logger for components that log structurally.
func Zerolog() zerolog.Logger {
	return Default().zl
}

// ParseLevel maps a level name to zerolog; unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ContextWithRequestID stores a request id that WithContext picks up.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return &Logger{zl: l.zl.With().Str("request_id", id).Logger()}
	}
	return l
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{zl: l.zl.With().Float64("duration_ms", float64(d.Microseconds())/1000).Logger()}
}

func (l *Logger) log(e *zerolog.Event, msg string, args ...any) {
	if e == nil {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(l.zl.Debug(), msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(l.zl.Info(), msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(l.zl.Warn(), msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(l.zl.Error(), msg, args...) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, args ...any) { l.log(l.zl.Fatal(), msg, args...) }

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
func Fatal(msg string, args ...any) { Default().Fatal(msg, args...) }

func WithField(key string, value any) *Logger  { return Default().WithField(key, value) }
func WithFields(fields map[string]any) *Logger { return Default().WithFields(fields) }
func WithContext(ctx context.Context) *Logger  { return Default().WithContext(ctx) }
func WithError(err error) *Logger              { return Default().WithError(err) }
func WithDuration(d time.Duration) *Logger     { return Default().WithDuration(d) }
