package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Log levels accepted by LoggerConfig.Level.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log output formats accepted by LoggerConfig.Format.
const (
	LogFormatJSON   = "json"   // structured JSON, one object per line
	LogFormatPretty = "pretty" // human-readable console output
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // minimum log level
	Format string // output format
}

// NewLogger creates the process root logger.
//
// Every log line carries a timestamp, caller information, and the service
// name so aggregated logs from multiple deployments stay filterable.
// Components derive their own loggers from this one:
//
//	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
//	roomLogger := logger.With().Str("component", "room").Logger()
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "graphroom-relay").
		Logger()
}

// RecoverPanic recovers and logs a goroutine panic without exiting.
//
// Use in the first defer of every goroutine so a panic in one client's pump
// or one room's timer never tears down the whole server:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
