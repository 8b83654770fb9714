package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// Executor kinds accepted in ExecutorBinding.Kind.
const (
	ExecutorSSH        = "ssh"
	ExecutorWASM       = "wasm"
	ExecutorSideEffect = "side_effect"
)

// ServiceConfig is the TOML configuration of the goalflow service.
//
//	[server]
//	listen = ":8080"
//
//	[catalog]
//	paths = ["catalog/"]
//
//	[[executors]]
//	goal = "build"
//	kind = "ssh"
//	host = "builder.internal"
//	command = "make build"
type ServiceConfig struct {
	Server    ServerConfig      `toml:"server"`
	Catalog   CatalogConfig     `toml:"catalog"`
	Store     StoreConfig       `toml:"store"`
	Policy    PolicyConfig      `toml:"policy"`
	Engine    EngineConfig      `toml:"engine"`
	Telemetry TelemetryConfig   `toml:"telemetry"`
	Executors []ExecutorBinding `toml:"executors" validate:"dive"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string   `toml:"listen" validate:"required,hostname_port"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// CatalogConfig lists catalog sources.
type CatalogConfig struct {
	Paths            []string `toml:"paths" validate:"required,min=1,dive,required"`
	ConditionTimeout Duration `toml:"condition_timeout"`
}

// StoreConfig configures the SQLite snapshot store. An empty path disables it.
type StoreConfig struct {
	Path         string   `toml:"path"`
	MaxOpenConns int      `toml:"max_open_conns" validate:"gte=0"`
	PruneAfter   Duration `toml:"prune_after"`
}

// PolicyConfig configures automated approvals.
type PolicyConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`

	// Enable names policies, built-in or loaded, that start enabled.
	Enable []string `toml:"enable"`
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	MaxParallel int `toml:"max_parallel" validate:"gte=0"`

	// HostConcurrency bounds concurrent SSH executions per host.
	HostConcurrency int `toml:"host_concurrency" validate:"gte=0"`
}

// TelemetryConfig is the subset of telemetry settings exposed in TOML.
type TelemetryConfig struct {
	Environment     string  `toml:"environment"`
	LogLevel        string  `toml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat       string  `toml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsEnabled  *bool   `toml:"metrics_enabled"`
	TracingEnabled  bool    `toml:"tracing_enabled"`
	TracingExporter string  `toml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `toml:"tracing_endpoint"`
	SamplingRate    float64 `toml:"sampling_rate" validate:"gte=0,lte=1"`
	EventHistory    int     `toml:"event_history" validate:"gte=0"`
}

// ExecutorBinding binds a goal to its fulfillment.
type ExecutorBinding struct {
	Goal    string   `toml:"goal" validate:"required,goalname"`
	Kind    string   `toml:"kind" validate:"required,oneof=ssh wasm side_effect"`
	Timeout Duration `toml:"timeout"`

	// ssh
	Host    string `toml:"host" validate:"required_if=Kind ssh"`
	Port    int    `toml:"port" validate:"gte=0,lte=65535"`
	User    string `toml:"user"`
	KeyPath string `toml:"key_path"`
	Command string `toml:"command" validate:"required_if=Kind ssh"`
	Script  string `toml:"script"`

	// KnownHosts overrides ~/.ssh/known_hosts. InsecureHostKey skips the
	// host key check.
	KnownHosts      string `toml:"known_hosts"`
	InsecureHostKey bool   `toml:"insecure_host_key"`

	// wasm
	Module string            `toml:"module" validate:"required_if=Kind wasm"`
	Args   []string          `toml:"args"`
	Env    map[string]string `toml:"env"`
}

// DefaultServiceConfig returns the configuration used for unset fields.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Catalog: CatalogConfig{
			ConditionTimeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			MaxOpenConns: 4,
		},
		Engine: EngineConfig{
			MaxParallel:     8,
			HostConcurrency: 2,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			TracingExporter: "none",
			SamplingRate:    1.0,
			EventHistory:    256,
		},
	}
}

// LoadServiceConfig reads a TOML file on top of the defaults. Relative paths in
// the file are resolved against the file's directory.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config: %w", err)
	}
	cfg, err := ParseServiceConfig(path, data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// ParseServiceConfig decodes and validates a TOML document. Unknown keys are errors.
func ParseServiceConfig(file string, data []byte) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, ValidationError{File: file, Line: row, Column: col, Message: derr.Error()}
		}
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, ValidationError{File: file, Message: strict.String()}
		}
		return nil, ValidationError{File: file, Message: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies the struct tags and checks executor bindings for duplicates.
func (c *ServiceConfig) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		errs := make(ValidationErrors, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed on %q", fe.Tag()),
			})
		}
		return errs
	}

	seen := make(map[string]bool, len(c.Executors))
	for _, b := range c.Executors {
		if seen[b.Goal] {
			return ValidationError{Path: "executors", Message: fmt.Sprintf("goal %s is bound twice", b.Goal)}
		}
		seen[b.Goal] = true
	}
	return nil
}

func (c *ServiceConfig) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, p := range c.Catalog.Paths {
		c.Catalog.Paths[i] = abs(p)
	}
	c.Store.Path = abs(c.Store.Path)
	c.Policy.Dir = abs(c.Policy.Dir)
	for i := range c.Executors {
		c.Executors[i].KeyPath = abs(c.Executors[i].KeyPath)
		c.Executors[i].KnownHosts = abs(c.Executors[i].KnownHosts)
		c.Executors[i].Script = abs(c.Executors[i].Script)
		c.Executors[i].Module = abs(c.Executors[i].Module)
	}
}

// TelemetryConfig converts the TOML settings into a telemetry configuration.
func (c *ServiceConfig) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	t := c.Telemetry

	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}
	cfg.Logging.Output = "stderr"

	// The API serves /metrics itself.
	if t.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *t.MetricsEnabled
	}

	cfg.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		cfg.Tracing.Exporter = t.TracingExporter
	}
	if !t.TracingEnabled {
		cfg.Tracing.Exporter = telemetry.ExporterNone
	}
	cfg.Tracing.Endpoint = t.TracingEndpoint
	cfg.Tracing.SamplingRate = t.SamplingRate

	cfg.Events.HistorySize = t.EventHistory
	return cfg
}
