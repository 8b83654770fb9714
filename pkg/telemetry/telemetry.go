package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// EngineOptions returns engine options wired to this instance.
func (t *Telemetry) EngineOptions() engine.Options {
	return engine.Options{
		Logger:    t.Logger.Zerolog(),
		Publisher: t.Events,
		Metrics:   t.Metrics,
		Tracer:    t.Tracer.Tracer(),
	}
}

// InstrumentExecutor wraps ex so that every run gets its own span and a
// start and finish log line carrying the invocation fields. The wrapped
// executor sees the span in its context.
func (t *Telemetry) InstrumentExecutor(ex engine.Executor) engine.Executor {
	return engine.ExecutorFunc(func(ctx context.Context, inv engine.Invocation) (engine.Outcome, error) {
		ctx, span := t.Tracer.StartFulfillment(ctx, inv)

		log := t.Logger.ForInvocation(inv)
		if id := traceID(ctx); id != "" {
			log = log.With().Str("trace_id", id).Logger()
		}
		log.Debug().Msg("Fulfillment started")

		start := time.Now()
		out, err := ex.Execute(ctx, inv)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			log.Warn().Err(err).Dur("elapsed", elapsed).Msg("Fulfillment errored")
		case out.Result == engine.ResultSuccess:
			log.Debug().Dur("elapsed", elapsed).Msg("Fulfillment succeeded")
		default:
			log.Info().Str("result", string(out.Result)).Str("diagnostics", out.Diagnostics).
				Dur("elapsed", elapsed).Msg("Fulfillment did not succeed")
		}

		span.SetAttributes(AttrResult.String(string(out.Result)))
		endSpan(span, err)
		return out, err
	})
}

// Shutdown drains the event publisher, then flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// Flush exports pending spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}
