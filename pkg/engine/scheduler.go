package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// goalInstance is the runtime state of one goal for one change event. It is
// only modified while holding the owning graphRun's lock.
type goalInstance struct {
	def           GoalDefinition
	state         GoalState
	reason        string
	attempt       int
	queued        bool
	fulfillmentID string
	diagnostics   string
	preApproval   *ApprovalRecord
	approval      *ApprovalRecord
	startedAt     *time.Time
	endedAt       *time.Time
	updatedAt     time.Time

	// closed attempts, oldest first
	history []AttemptRecord

	// cancel stops a running internal executor
	cancel context.CancelFunc

	// timer enforces a side effect's fulfillment timeout
	timer *time.Timer
}

// graphRun is the scheduler state of one submitted change event. mu is the
// per-graph critical section: every trigger is applied while holding it.
type graphRun struct {
	mu sync.RWMutex

	// flushMu is taken before mu is released so that the effects of
	// consecutive triggers reach the store and subscribers in order.
	flushMu sync.Mutex

	event     ChangeEvent
	graph     *ResolvedGraph
	instances map[string]*goalInstance
	evaluator *PreconditionEvaluator

	// isolationHolder is the isolated goal currently admitted, or ""
	isolationHolder string

	queuedCount int
	version     int64
	submittedAt time.Time
	updatedAt   time.Time
	completed   bool
	done        chan struct{}
}

func newGraphRun(event ChangeEvent, graph *ResolvedGraph) *graphRun {
	now := time.Now()
	run := &graphRun{
		event:       event,
		graph:       graph,
		instances:   make(map[string]*goalInstance, graph.Len()),
		evaluator:   NewPreconditionEvaluator(),
		submittedAt: now,
		updatedAt:   now,
		done:        make(chan struct{}),
	}
	for _, name := range graph.order {
		run.instances[name] = &goalInstance{
			def:       graph.goals[name],
			state:     GoalStatePlanned,
			attempt:   1,
			updatedAt: now,
		}
	}
	return run
}

func (r *graphRun) stateOf(name string) GoalState {
	if inst, ok := r.instances[name]; ok {
		return inst.state
	}
	return ""
}

func (r *graphRun) instance(name string) (*goalInstance, error) {
	inst, ok := r.instances[name]
	if !ok {
		return nil, newUnknownGoalError(name).WithDetail("change_event", r.event.ID)
	}
	return inst, nil
}

func (r *graphRun) allTerminal() bool {
	for _, inst := range r.instances {
		if !inst.state.IsTerminal() {
			return false
		}
	}
	return true
}

// outcome summarizes a completed graph.
func (r *graphRun) outcome() string {
	result := "success"
	for _, inst := range r.instances {
		switch {
		case inst.state == GoalStateFailure || inst.state == GoalStateStopped:
			return "failure"
		case !inst.state.IsSuccessful():
			result = "canceled"
		}
	}
	return result
}

func (r *graphRun) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ChangeEvent: r.event,
		Graph:       r.graph.name,
		Fingerprint: r.graph.fingerprint,
		Version:     r.version,
		Goals:       make([]GoalSnapshot, 0, len(r.instances)),
		Complete:    r.completed,
		SubmittedAt: r.submittedAt,
		UpdatedAt:   r.updatedAt,
	}
	for _, name := range r.graph.order {
		inst := r.instances[name]
		gs := GoalSnapshot{
			Goal:              name,
			Environment:       inst.def.Environment,
			OrderKey:          inst.def.OrderKey,
			State:             inst.state,
			Description:       inst.def.Describe(inst.state),
			Reason:            inst.reason,
			Attempt:           inst.attempt,
			ConditionAttempts: r.evaluator.Failures(name),
			Queued:            inst.queued,
			FulfillmentID:     inst.fulfillmentID,
			Diagnostics:       inst.diagnostics,
			StartedAt:         copyTime(inst.startedAt),
			EndedAt:           copyTime(inst.endedAt),
			UpdatedAt:         inst.updatedAt,
		}
		if inst.preApproval != nil {
			rec := *inst.preApproval
			gs.PreApproval = &rec
		}
		if inst.approval != nil {
			rec := *inst.approval
			gs.Approval = &rec
		}
		if len(inst.history) > 0 {
			gs.Attempts = append([]AttemptRecord(nil), inst.history...)
		}
		snap.Goals = append(snap.Goals, gs)
	}
	sort.SliceStable(snap.Goals, func(i, j int) bool {
		if snap.Goals[i].OrderKey != snap.Goals[j].OrderKey {
			return snap.Goals[i].OrderKey < snap.Goals[j].OrderKey
		}
		return snap.Goals[i].Goal < snap.Goals[j].Goal
	})
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type transitionRecord struct {
	goal     string
	from, to GoalState
	reason   string
	duration time.Duration
}

type executorLaunch struct {
	ctx      context.Context
	executor Executor
	inv      Invocation
}

type conditionLaunch struct {
	goal string
	cond Precondition
	fn   ConditionFunc
}

type hookCall struct {
	fn  func(context.Context, Invocation)
	inv Invocation
}

// effects collects everything a trigger must do once the graph lock is released.
type effects struct {
	transitions []transitionRecord
	events      []*Event
	launches    []executorLaunch
	checks      []conditionLaunch
	gates       []GateRequest
	hooks       []hookCall
	errs        []error
	queuedDelta int
	snapshot    *Snapshot
	completed   bool
	outcome     string
	elapsed     time.Duration
}

func (fx *effects) err() error {
	return errors.Join(fx.errs...)
}

func (fx *effects) event(run *graphRun, typ EventType, goal, message string, details map[string]interface{}) {
	fx.events = append(fx.events, &Event{
		ID:            uuid.New().String(),
		Type:          typ,
		Timestamp:     time.Now(),
		ChangeEventID: run.event.ID,
		Goal:          goal,
		Message:       message,
		Details:       details,
		Level:         typ.Severity(),
	})
}

// transition moves inst to the next state if the transition table allows it.
func (e *Engine) transition(run *graphRun, inst *goalInstance, to GoalState, reason string, fx *effects) error {
	from := inst.state
	if !from.CanTransition(to) {
		return newInvalidTransitionError(inst.def.Name, from, to)
	}

	now := time.Now()
	inst.state = to
	inst.reason = reason
	inst.updatedAt = now
	run.updatedAt = now

	if to == GoalStateInProcess {
		inst.startedAt = &now
	}
	if from == GoalStateInProcess {
		if inst.cancel != nil {
			inst.cancel()
			inst.cancel = nil
		}
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
	}

	var duration time.Duration
	if to.IsTerminal() {
		inst.endedAt = &now
		if inst.startedAt != nil {
			duration = now.Sub(*inst.startedAt)
		}
		if run.isolationHolder == inst.def.Name {
			run.isolationHolder = ""
		}
	}

	fx.transitions = append(fx.transitions, transitionRecord{
		goal: inst.def.Name, from: from, to: to, reason: reason, duration: duration,
	})
	fx.events = append(fx.events, &Event{
		ID:            uuid.New().String(),
		Type:          EventTypeGoalTransitioned,
		Timestamp:     now,
		ChangeEventID: run.event.ID,
		Goal:          inst.def.Name,
		From:          from,
		To:            to,
		Message:       inst.def.Describe(to),
		Details:       map[string]interface{}{"reason": reason, "attempt": inst.attempt},
		Level:         transitionLevel(to),
	})
	return nil
}

func transitionLevel(to GoalState) string {
	switch to {
	case GoalStateFailure:
		return "error"
	case GoalStateStopped, GoalStateCanceled, GoalStateSkipped:
		return "warning"
	default:
		return "info"
	}
}

// reconcile advances every goal that can move without an external trigger, until
// nothing changes. It runs inside the graph's critical section.
func (e *Engine) reconcile(run *graphRun, fx *effects) {
	for {
		progressed := false
		candidates := make([]*goalInstance, 0)

		for _, name := range run.graph.order {
			inst := run.instances[name]
			switch inst.state {
			case GoalStatePlanned:
				verdict := run.evaluator.Evaluate(inst.def, run.graph, run.stateOf)
				switch verdict.Readiness {
				case Blocked:
					e.mustTransition(run, inst, GoalStateSkipped, verdict.Reason, fx)
					progressed = true
				case Exhausted:
					e.mustTransition(run, inst, GoalStateFailure, verdict.Reason, fx)
					progressed = true
				case NotReady:
					e.launchConditions(run, inst, verdict.Launch, fx)
				case Ready:
					if inst.def.PreApprovalRequired {
						e.mustTransition(run, inst, GoalStateWaitingForPreApproval, "", fx)
						fx.gates = append(fx.gates, e.gateRequest(run, inst, GatePreApproval))
						progressed = true
					} else {
						candidates = append(candidates, inst)
					}
				}
			case GoalStatePreApproved:
				candidates = append(candidates, inst)
			}
		}

		if e.admit(run, candidates, fx) {
			progressed = true
		}
		if !progressed {
			break
		}
	}

	queued := 0
	for _, inst := range run.instances {
		if inst.queued {
			queued++
		}
	}
	fx.queuedDelta += queued - run.queuedCount
	run.queuedCount = queued
}

// admit requests ready goals. Non-isolated goals start immediately; isolated goals
// are admitted one at a time by (OrderKey, Name) while the isolation slot is free.
func (e *Engine) admit(run *graphRun, candidates []*goalInstance, fx *effects) bool {
	admitted := false
	isolated := make([]*goalInstance, 0)
	for _, inst := range candidates {
		if inst.def.Isolated {
			isolated = append(isolated, inst)
			continue
		}
		e.request(run, inst, fx)
		admitted = true
	}

	sort.Slice(isolated, func(i, j int) bool {
		a, b := isolated[i].def, isolated[j].def
		if a.OrderKey != b.OrderKey {
			return a.OrderKey < b.OrderKey
		}
		return a.Name < b.Name
	})
	for _, inst := range isolated {
		if run.isolationHolder == "" {
			inst.queued = false
			run.isolationHolder = inst.def.Name
			e.request(run, inst, fx)
			admitted = true
			continue
		}
		inst.queued = true
	}
	return admitted
}

// request hands an admitted goal to its fulfillment.
func (e *Engine) request(run *graphRun, inst *goalInstance, fx *effects) {
	e.mustTransition(run, inst, GoalStateRequested, "", fx)

	f, err := e.dispatcher.resolve(inst.def.Name)
	if err != nil {
		fx.errs = append(fx.errs, err)
		e.mustTransition(run, inst, GoalStateFailure, ErrCodeNoFulfillmentRegistered, fx)
		return
	}

	inst.fulfillmentID = uuid.New().String()
	inst.diagnostics = ""
	e.mustTransition(run, inst, GoalStateInProcess, "", fx)

	inv := e.invocation(run, inst)
	switch f.kind {
	case FulfillmentExecutor:
		ctx, cancel := context.WithCancel(context.Background())
		inst.cancel = cancel
		fx.launches = append(fx.launches, executorLaunch{ctx: ctx, executor: f.executor, inv: inv})
	case FulfillmentSideEffect:
		if f.sideEffect.Timeout > 0 {
			changeEventID, goal, fid := run.event.ID, inst.def.Name, inst.fulfillmentID
			inst.timer = time.AfterFunc(f.sideEffect.Timeout, func() {
				e.fulfillmentTimedOut(changeEventID, goal, fid)
			})
		}
		if f.sideEffect.OnStart != nil {
			fx.hooks = append(fx.hooks, hookCall{fn: f.sideEffect.OnStart, inv: inv})
		}
	}
}

// stop signals a running fulfillment that its goal was stopped.
func (e *Engine) stop(inst *goalInstance, inv Invocation, fx *effects) {
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	f, err := e.dispatcher.resolve(inst.def.Name)
	if err == nil && f.kind == FulfillmentSideEffect && f.sideEffect.OnStop != nil {
		fx.hooks = append(fx.hooks, hookCall{fn: f.sideEffect.OnStop, inv: inv})
	}
}

func (e *Engine) invocation(run *graphRun, inst *goalInstance) Invocation {
	return Invocation{
		ChangeEvent:   run.event,
		Goal:          inst.def,
		Attempt:       inst.attempt,
		FulfillmentID: inst.fulfillmentID,
	}
}

func (e *Engine) gateRequest(run *graphRun, inst *goalInstance, gate ApprovalGate) GateRequest {
	return GateRequest{
		Gate:        gate,
		ChangeEvent: run.event,
		Goal:        inst.def,
		Attempt:     inst.attempt,
		Diagnostics: inst.diagnostics,
	}
}

// mustTransition is used for transitions the scheduler itself derived from the
// table. A refusal there is an internal error and is reported, not applied.
func (e *Engine) mustTransition(run *graphRun, inst *goalInstance, to GoalState, reason string, fx *effects) {
	if err := e.transition(run, inst, to, reason, fx); err != nil {
		fx.errs = append(fx.errs, NewPermanentError("scheduler derived an invalid transition", err).
			WithCode(ErrCodeInternal))
	}
}

func (e *Engine) launchConditions(run *graphRun, inst *goalInstance, conds []Precondition, fx *effects) {
	for _, cond := range conds {
		fn, ok := e.condition(cond.Condition)
		if !ok {
			// Registration is checked at submit; a missing function counts as a failed attempt.
			fn = func(context.Context, ChangeEvent) (bool, error) {
				return false, NewPermanentError("condition not registered", nil).
					WithCode(ErrCodeUnknownCondition).WithResource(cond.Condition)
			}
		}
		run.evaluator.begin(inst.def.Name, cond.Condition)
		fx.checks = append(fx.checks, conditionLaunch{goal: inst.def.Name, cond: cond, fn: fn})
	}
}

// openAttempt closes the terminal attempt of inst into its history and starts a
// fresh attempt in Planned. The closed record is never modified again.
func (e *Engine) openAttempt(run *graphRun, inst *goalInstance, reason string, fx *effects) {
	now := time.Now()
	prev := inst.state
	inst.history = append(inst.history, inst.record())
	inst.attempt++
	inst.state = GoalStatePlanned
	inst.reason = reason
	inst.queued = false
	inst.fulfillmentID = ""
	inst.diagnostics = ""
	inst.preApproval = nil
	inst.approval = nil
	inst.startedAt = nil
	inst.endedAt = nil
	inst.updatedAt = now
	run.updatedAt = now
	run.evaluator.reset(inst.def.Name)

	fx.transitions = append(fx.transitions, transitionRecord{goal: inst.def.Name, from: prev, to: GoalStatePlanned, reason: reason})
	fx.event(run, EventTypeGoalRetried, inst.def.Name, "Retrying: "+inst.def.Label(), map[string]interface{}{
		"attempt":  inst.attempt,
		"previous": string(prev),
	})
}

// record captures the current attempt.
func (inst *goalInstance) record() AttemptRecord {
	rec := AttemptRecord{
		Attempt:       inst.attempt,
		State:         inst.state,
		Reason:        inst.reason,
		FulfillmentID: inst.fulfillmentID,
		Diagnostics:   inst.diagnostics,
		StartedAt:     copyTime(inst.startedAt),
		EndedAt:       copyTime(inst.endedAt),
	}
	if inst.preApproval != nil {
		a := *inst.preApproval
		rec.PreApproval = &a
	}
	if inst.approval != nil {
		a := *inst.approval
		rec.Approval = &a
	}
	return rec
}

// withRun applies fn to a graph inside its critical section, reconciles, and then
// performs the collected effects outside the lock.
func (e *Engine) withRun(ctx context.Context, changeEventID string, fn func(run *graphRun, fx *effects) error) error {
	run, err := e.lookupRun(changeEventID)
	if err != nil {
		return err
	}

	fx := &effects{}
	run.mu.Lock()
	opErr := fn(run, fx)
	e.reconcile(run, fx)
	e.finish(run, fx)
	run.flushMu.Lock()
	run.mu.Unlock()

	e.flush(ctx, run, fx)
	run.flushMu.Unlock()
	if opErr != nil {
		return opErr
	}
	return fx.err()
}

// finish bumps the version when something changed and detects graph completion.
func (e *Engine) finish(run *graphRun, fx *effects) {
	if len(fx.transitions) == 0 && len(fx.events) == 0 {
		return
	}
	run.version++
	if !run.completed && run.allTerminal() {
		run.completed = true
		close(run.done)
		fx.completed = true
		fx.outcome = run.outcome()
		fx.elapsed = time.Since(run.submittedAt)
		fx.event(run, EventTypeGraphCompleted, "", "Graph completed: "+fx.outcome,
			map[string]interface{}{"outcome": fx.outcome})
	}
	fx.snapshot = run.snapshotLocked()
}

// flush performs effects collected under the graph lock.
func (e *Engine) flush(ctx context.Context, run *graphRun, fx *effects) {
	for _, t := range fx.transitions {
		e.metrics.RecordTransition(t.goal, t.from, t.to)
		e.logger.Debug().
			Str("change_event", run.event.ID).
			Str("goal", t.goal).
			Str("from", string(t.from)).
			Str("to", string(t.to)).
			Str("reason", t.reason).
			Dur("duration", t.duration).
			Msg("Goal transitioned")
		if t.to == GoalStateFailure {
			e.logger.Warn().Str("change_event", run.event.ID).Str("goal", t.goal).
				Str("reason", t.reason).Msg("Goal failed")
		}
	}
	for _, err := range fx.errs {
		var ee *EngineError
		if errors.As(err, &ee) {
			e.metrics.RecordError(string(ee.Class), ee.Code)
		}
		e.logger.Error().Err(err).Str("change_event", run.event.ID).Msg("Trigger produced an error")
	}
	if fx.queuedDelta != 0 {
		e.metrics.AddQueuedGoals(float64(fx.queuedDelta))
	}
	if fx.completed {
		e.metrics.RecordGraphCompleted(run.graph.name, fx.outcome, fx.elapsed)
		e.setActiveGraphs(-1)
		e.logger.Info().Str("change_event", run.event.ID).Str("outcome", fx.outcome).
			Dur("elapsed", fx.elapsed).Msg("Graph completed")
	}

	if e.store != nil && fx.snapshot != nil {
		if err := e.store.SaveSnapshot(ctx, fx.snapshot); err != nil {
			e.logger.Warn().Err(err).Str("change_event", run.event.ID).Msg("Failed to persist snapshot")
		}
	}

	for _, event := range fx.events {
		e.publishEvent(ctx, event)
	}

	for _, l := range fx.launches {
		e.spawn(func() { e.runExecutor(run, l) })
	}
	for _, c := range fx.checks {
		e.spawn(func() { e.runConditionCheck(run, c) })
	}
	for _, h := range fx.hooks {
		e.spawn(func() { h.fn(context.Background(), h.inv) })
	}
	for _, req := range fx.gates {
		for _, listener := range e.listeners() {
			e.spawn(func() { listener.GateOpened(context.Background(), req) })
		}
	}
}

// spawn runs fn on a tracked goroutine. Once Shutdown has begun nothing new is
// started and spawn reports false.
func (e *Engine) spawn(fn func()) bool {
	e.launchMu.Lock()
	defer e.launchMu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) isClosing() bool {
	e.launchMu.Lock()
	defer e.launchMu.Unlock()
	return e.closing
}

// runExecutor runs an internal executor and reports its outcome as a completion.
func (e *Engine) runExecutor(run *graphRun, l executorLaunch) {
	ctx, span := e.tracer.Start(l.ctx, "engine.execute")
	defer span.End()

	start := time.Now()
	event := e.dispatcher.execute(ctx, l.executor, l.inv)
	e.metrics.RecordExecution(l.inv.Goal.Name, event.Result, time.Since(start))

	if err := e.ReportCompletion(context.Background(), event); err != nil {
		e.logger.Debug().Err(err).
			Str("change_event", run.event.ID).
			Str("goal", l.inv.Goal.Name).
			Msg("Executor result not applied")
	}
}

// fulfillmentTimedOut fails a side-effect goal whose completion did not arrive in time.
func (e *Engine) fulfillmentTimedOut(changeEventID, goal, fulfillmentID string) {
	_ = e.withRun(context.Background(), changeEventID, func(run *graphRun, fx *effects) error {
		inst, err := run.instance(goal)
		if err != nil {
			return err
		}
		if inst.state != GoalStateInProcess || inst.fulfillmentID != fulfillmentID {
			return nil
		}
		inst.diagnostics = "no completion reported before the fulfillment timeout"
		inv := e.invocation(run, inst)
		e.mustTransition(run, inst, GoalStateFailure, ErrCodeFulfillmentTimeout, fx)
		e.stop(inst, inv, fx)
		return nil
	})
}

// runConditionCheck performs one attempt of a custom condition and feeds the
// result back as a trigger.
func (e *Engine) runConditionCheck(run *graphRun, c conditionLaunch) {
	timeout := c.cond.attemptTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, span := e.tracer.Start(ctx, "engine.condition")
	ok, cause := callCondition(ctx, c.fn, run.event)
	span.End()
	cancel()

	e.metrics.RecordConditionAttempt(c.cond.Condition, ok)

	changeEventID := run.event.ID
	_ = e.withRun(context.Background(), changeEventID, func(run *graphRun, fx *effects) error {
		failures, recheck := run.evaluator.record(c.goal, c.cond, ok, cause)
		details := map[string]interface{}{
			"condition": c.cond.Condition,
			"satisfied": ok,
			"failures":  failures,
			"budget":    c.cond.budget(),
		}
		if cause != nil {
			details["error"] = cause.Error()
		}
		fx.event(run, EventTypeConditionChecked, c.goal, "Condition checked: "+c.cond.Condition, details)

		if recheck && !e.isClosing() {
			goal, cond := c.goal, c.cond.Condition
			run.evaluator.scheduleRecheck(goal, cond, timeout, func() {
				_ = e.withRun(context.Background(), changeEventID, func(run *graphRun, _ *effects) error {
					run.evaluator.rearm(goal, cond)
					return nil
				})
			})
		}
		return nil
	})
}
