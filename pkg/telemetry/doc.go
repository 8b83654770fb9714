// Package telemetry provides observability instrumentation for the goal engine.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing. Metrics implements
// engine.MetricsRecorder and EventPublisher implements engine.EventPublisher, so
// a Telemetry instance plugs straight into engine.Options.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.NewEngine(registry, tel.EngineOptions())
//
// # Structured Logging
//
// Components log through children of the root logger:
//
//	logger := tel.Logger.Component("api")
//	logger.Info().Str("change_event_id", id).Msg("Retry requested")
//
// ForInvocation adds change_event_id, goal, attempt, fulfillment_id and the
// goal environment.
//
// # Distributed Tracing
//
// The engine opens spans for submissions, condition checks and executor runs.
// InstrumentExecutor adds a span per fulfillment below those, tagged with the
// invocation, and logs how the run ended:
//
//	reg.RegisterExecutor("deploy", tel.InstrumentExecutor(sshExecutor))
//
// Supported exporters: otlp (gRPC), stdout (written to stderr), none.
//
// # Metrics
//
// Metrics are registered on a private registry and served by Handler:
//
//	goalflow_graphs_submitted_total{graph}
//	goalflow_graphs_completed_total{graph,outcome}
//	goalflow_graph_duration_seconds{outcome}
//	goalflow_goal_transitions_total{goal,from,to}
//	goalflow_goal_executions_total{goal,result}
//	goalflow_goal_execution_duration_seconds{goal}
//	goalflow_goal_retries_total{goal}
//	goalflow_condition_attempts_total{condition,satisfied}
//	goalflow_approval_decisions_total{gate,decision}
//	goalflow_goals_canceled_total
//	goalflow_errors_by_class_total{class}
//	goalflow_errors_by_code_total{code}
//	goalflow_active_graphs
//	goalflow_queued_isolated_goals
//
// # Event Publishing
//
// Subscribers receive events in publication order. The publisher also keeps a
// bounded history per change event, which the HTTP API replays:
//
//	stop := tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Goal, e.To)
//	}, telemetry.FilterByChangeEvent("push-42"))
//	defer stop()
//
// In async mode events are buffered and flushed when the buffer drains, a
// batch fills up or FlushInterval elapses. Publish never blocks; a full buffer
// drops the event and returns an error, which the engine logs.
package telemetry
