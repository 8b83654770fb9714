package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Trace exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds every telemetry setting of a goalflow process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is the deployment the process runs in, not a goal
	// environment.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	// Level is a zerolog level name.
	Level string

	// Format is json or console.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	Caller bool

	// SampleBurst, when positive, lets that many messages through per
	// SamplePeriod and drops the rest.
	SampleBurst  uint32
	SamplePeriod time.Duration

	// TimeFormat is unix, unixms, rfc3339 or rfc3339nano.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is one of the Exporter* constants.
	Exporter string

	// Endpoint is the OTLP collector address.
	Endpoint string
	Insecure bool
	Headers  map[string]string

	// SamplingRate is the fraction of root spans kept.
	SamplingRate float64

	BatchSize     int
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers events from a background goroutine. BufferSize
	// bounds the queue; a full queue drops events.
	EnableAsync   bool
	BufferSize    int
	MaxBatchSize  int
	FlushInterval time.Duration

	// HistorySize is how many events are kept per change event for replay.
	HistorySize int
}

// DefaultConfig returns the settings goalctl serve starts from.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "goalflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       FormatConsole,
			Output:       "stderr",
			Caller:       true,
			SampleBurst:  0,
			SamplePeriod: time.Second,
			TimeFormat:   "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      ExporterNone,
			Insecure:      true,
			SamplingRate:  1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "goalflow",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		Events: EventsConfig{
			Enabled:       true,
			EnableAsync:   true,
			BufferSize:    1000,
			MaxBatchSize:  100,
			FlushInterval: 5 * time.Second,
			HistorySize:   256,
		},
	}
}

// TestConfig returns a quiet configuration for tests and simulation. Events
// are delivered synchronously and nothing is exported.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "test"
	cfg.Logging.Level = "warn"
	cfg.Logging.Caller = false
	cfg.Events.EnableAsync = false
	cfg.Events.FlushInterval = 0
	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != FormatJSON && c.Logging.Format != FormatConsole {
		errs = append(errs, fmt.Errorf("invalid log format %q: want %s or %s", c.Logging.Format, FormatJSON, FormatConsole))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case ExporterOTLP, ExporterStdout, ExporterNone:
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate))
	}

	if c.Events.Enabled && c.Events.EnableAsync {
		if c.Events.BufferSize <= 0 {
			errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
		}
		if c.Events.MaxBatchSize <= 0 {
			errs = append(errs, fmt.Errorf("event batch size must be positive, got %d", c.Events.MaxBatchSize))
		}
	}

	return errors.Join(errs...)
}
