package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Decider records gate decisions. *engine.Engine satisfies it.
type Decider interface {
	DecidePreApproval(ctx context.Context, changeEventID, goal string, d engine.Decision) (engine.ApprovalRecord, error)
	DecideApproval(ctx context.Context, changeEventID, goal string, d engine.Decision) (engine.ApprovalRecord, error)
}

// AutoApprover answers opened gates from policy verdicts. Gates on which
// every policy abstains stay open for a human.
type AutoApprover struct {
	policies *Engine
	decider  Decider
	logger   zerolog.Logger
	timeout  time.Duration
}

var _ engine.GateListener = (*AutoApprover)(nil)

// NewAutoApprover creates a gate listener backed by a policy engine.
func NewAutoApprover(policies *Engine, decider Decider, logger zerolog.Logger) *AutoApprover {
	return &AutoApprover{
		policies: policies,
		decider:  decider,
		logger:   logger.With().Str("component", "auto-approver").Logger(),
		timeout:  10 * time.Second,
	}
}

// GateOpened evaluates the gate and records a decision unless every policy abstains.
func (a *AutoApprover) GateOpened(ctx context.Context, req engine.GateRequest) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	log := a.logger.With().
		Str("change_event_id", req.ChangeEvent.ID).
		Str("goal", req.Goal.Name).
		Str("gate", string(req.Gate)).
		Logger()

	verdict, err := a.policies.Evaluate(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("Gate policy evaluation failed")
		return
	}
	if verdict.Outcome == OutcomeAbstain {
		log.Debug().Msg("No policy decided gate, waiting for an approver")
		return
	}

	decision := engine.Decision{
		Approved: verdict.Outcome == OutcomeApprove,
		Approver: verdict.Approver(),
		Comment:  strings.Join(verdict.Reasons, "; "),
	}

	decide := a.decider.DecideApproval
	if req.Gate == engine.GatePreApproval {
		decide = a.decider.DecidePreApproval
	}

	if _, err := decide(ctx, req.ChangeEvent.ID, req.Goal.Name, decision); err != nil {
		if engine.HasCode(err, engine.ErrCodeAlreadyDecided) || engine.HasCode(err, engine.ErrCodeInvalidTransition) {
			log.Debug().Err(err).Msg("Gate was decided before the policy verdict")
			return
		}
		log.Warn().Err(err).Msg("Failed to record policy decision")
		return
	}

	log.Info().
		Bool("approved", decision.Approved).
		Str("approver", decision.Approver).
		Msg("Gate decided by policy")
}
