package log

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// output is the writer Logger currently emits into, kept so AttachSink
	// can rebuild the logger with the sink teed in.
	output io.Writer
)

// Config holds logging configuration
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Sink receives a copy of every log event, typically backed by the state
// store. Sink failures must never block logging.
type Sink interface {
	WriteLog(entry types.LogEntry) error
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	output = out
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// AttachSink tees every subsequent log event into the given sink.
// Must be called after Init and before child loggers are created.
func AttachSink(sink Sink) {
	out := output
	if out == nil {
		out = os.Stdout
	}
	Logger = zerolog.New(zerolog.MultiLevelWriter(out, sinkWriter{sink: sink})).
		With().Timestamp().Logger()
}

// sinkWriter receives the serialized event, so fields accumulated on child
// loggers (component, case, correlation ID) survive into the store.
type sinkWriter struct {
	sink Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	var event struct {
		Time          time.Time `json:"time"`
		Level         string    `json:"level"`
		Message       string    `json:"message"`
		Component     string    `json:"component"`
		CorrelationID string    `json:"correlation_id"`
	}
	if err := json.Unmarshal(p, &event); err != nil || event.Message == "" {
		return len(p), nil
	}
	// Best effort: a full or locked store must not stall the caller.
	_ = w.sink.WriteLog(types.LogEntry{
		Timestamp:     event.Time,
		Component:     event.Component,
		Level:         strings.ToUpper(event.Level),
		CorrelationID: event.CorrelationID,
		Message:       event.Message,
	})
	return len(p), nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCorrelationID creates a child logger carrying the correlation ID of
// the case-triggering event it serves
func WithCorrelationID(logger zerolog.Logger, correlationID string) zerolog.Logger {
	return logger.With().Str("correlation_id", correlationID).Logger()
}

// WithCase creates a child logger with case_id field
func WithCase(logger zerolog.Logger, caseID string) zerolog.Logger {
	return logger.With().Str("case_id", caseID).Logger()
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

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
