package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent extends base with a component field identifying the
// subsystem (executor, worker, replay) emitting the line.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithWorkerID extends base with a worker_id field. Every Worker carries
// one of these for its lifetime.
func WithWorkerID(base zerolog.Logger, workerID string) zerolog.Logger {
	return base.With().Str("worker_id", workerID).Logger()
}

// WithComponentID extends base with a component_id field, distinct from
// worker_id: many workers can share one component.
func WithComponentID(base zerolog.Logger, componentID string) zerolog.Logger {
	return base.With().Str("component_id", componentID).Logger()
}

// WithOplogIndex extends base with an oplog_index field, identifying the
// durable entry a replay or divergence log line refers to.
func WithOplogIndex(base zerolog.Logger, index uint64) zerolog.Logger {
	return base.With().Uint64("oplog_index", index).Logger()
}

// WithInvocationID extends base with an invocation_id field, identifying
// the queued invocation a log line refers to.
func WithInvocationID(base zerolog.Logger, invocationID string) zerolog.Logger {
	return base.With().Str("invocation_id", invocationID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
