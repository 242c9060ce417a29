// Package logger provides structured logging for the storage core.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "reldb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// Component returns a child logger tagged with a subsystem name (page
// manager, lock manager, WAL, recovery manager), in place of the teacher's
// split DbLogger/GrpcLogger helpers.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// LogOperation logs a timed operation with its outcome; the shared shape
// used for page, lock, WAL and recovery events.
func (l *Logger) LogOperation(op string, duration time.Duration, err error) {
	event := l.zlog.Debug().Str("op", op).Dur("duration_ms", duration)
	if err != nil {
		event = l.zlog.Error().Str("op", op).Dur("duration_ms", duration).Err(err)
	}
	event.Msg("operation completed")
}

var globalLogger *Logger

// InitGlobal initializes the global logger.
func InitGlobal(cfg Config) {
	globalLogger = New(cfg)
	log.Logger = *globalLogger.Zerolog()
}

// Global returns the global logger instance, initializing defaults if unset.
func Global() *Logger {
	if globalLogger == nil {
		InitGlobal(Config{Level: "info", Pretty: true})
	}
	return globalLogger
}
