package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Logger owns the process root logger.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger opens cfg.Output and builds the root logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		w = f
	}
	return NewLoggerTo(w, cfg), nil
}

// NewLoggerTo builds the root logger on w, ignoring cfg.Output.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)

	if cfg.Format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	zctx := zerolog.New(w).Level(levelOf(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.SampleBurst > 0 {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:  cfg.SampleBurst,
			Period: cfg.SamplePeriod,
		})
	}
	return &Logger{zlog: zlog}
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// ForInvocation returns a child logger carrying the fields that identify one
// fulfillment of a goal.
func (l *Logger) ForInvocation(inv engine.Invocation) zerolog.Logger {
	c := l.zlog.With().Str("change_event_id", inv.ChangeEvent.ID).
		Str("goal", inv.Goal.Name).
		Int("attempt", inv.Attempt).
		Str("fulfillment_id", inv.FulfillmentID)
	if inv.Goal.Environment != "" {
		c = c.Str("environment", string(inv.Goal.Environment))
	}
	return c.Logger()
}

func levelOf(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func timeFieldFormat(name string) string {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "rfc3339nano":
		return time.RFC3339Nano
	default:
		return time.RFC3339
	}
}
