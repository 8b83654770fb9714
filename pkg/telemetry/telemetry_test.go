package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/goalflow/pkg/engine"
)

func testInvocation() engine.Invocation {
	return engine.Invocation{
		ChangeEvent:   engine.ChangeEvent{ID: "push-7"},
		Goal:          engine.GoalDefinition{Name: "deploy", Environment: "staging"},
		Attempt:       2,
		FulfillmentID: "f-1",
	}
}

// recordingTelemetry returns a Telemetry whose spans land in the recorder and
// whose JSON logs land in the buffer.
func recordingTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder, *bytes.Buffer) {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var buf bytes.Buffer
	tel := &Telemetry{
		Logger: NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: FormatJSON}),
		Tracer: &Tracer{provider: provider, tracer: provider.Tracer("test")},
	}
	return tel, rec, &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		lines = append(lines, entry)
	}
	return lines
}

func TestInstrumentExecutor(t *testing.T) {
	tel, rec, buf := recordingTelemetry(t)

	var sawSpan bool
	ex := tel.InstrumentExecutor(engine.ExecutorFunc(func(ctx context.Context, inv engine.Invocation) (engine.Outcome, error) {
		sawSpan = traceID(ctx) != ""
		return engine.Outcome{Result: engine.ResultSuccess}, nil
	}))

	out, err := ex.Execute(context.Background(), testInvocation())
	require.NoError(t, err)
	assert.Equal(t, engine.ResultSuccess, out.Result)
	assert.True(t, sawSpan)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "fulfill deploy", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "push-7", attrs[string(AttrChangeEventID)])
	assert.Equal(t, "2", attrs[string(AttrGoalAttempt)])
	assert.Equal(t, "staging", attrs[string(AttrEnvironment)])
	assert.Equal(t, "success", attrs[string(AttrResult)])

	lines := logLines(t, buf)
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, "push-7", line["change_event_id"])
		assert.Equal(t, "deploy", line["goal"])
		assert.Equal(t, "f-1", line["fulfillment_id"])
		assert.Equal(t, spans[0].SpanContext().TraceID().String(), line["trace_id"])
	}
	assert.Equal(t, "Fulfillment succeeded", lines[1]["message"])
}

func TestInstrumentExecutor_Errors(t *testing.T) {
	tel, rec, buf := recordingTelemetry(t)

	boom := errors.New("connection refused")
	ex := tel.InstrumentExecutor(engine.ExecutorFunc(func(context.Context, engine.Invocation) (engine.Outcome, error) {
		return engine.Outcome{}, boom
	}))

	_, err := ex.Execute(context.Background(), testInvocation())
	assert.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "connection refused", spans[0].Status().Description)

	lines := logLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "connection refused", lines[1]["error"])
}

func TestLogger_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: FormatJSON})

	log := logger.ForInvocation(testInvocation())
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")
	comp := logger.Component("api")
	comp.Error().Msg("failed")

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "staging", lines[0]["environment"])
	assert.Equal(t, "api", lines[1]["component"])
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, levelOf("debug"))
	assert.Equal(t, zerolog.InfoLevel, levelOf(""))
	assert.Equal(t, zerolog.InfoLevel, levelOf("loud"))
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "goalflow", "test", "test")
	require.NoError(t, err)

	ctx, span := tracer.StartFulfillment(context.Background(), testInvocation())
	endSpan(span, nil)
	assert.Empty(t, traceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, TestConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"format", func(c *Config) { c.Logging.Format = "logfmt" }, "invalid log format"},
		{"exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "invalid trace exporter"},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.ServiceName = ""
	cfg.Logging.Level = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service name")
	assert.Contains(t, err.Error(), "invalid log level")
}
