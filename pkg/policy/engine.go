package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Engine evaluates approval policies against opened gates.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy holds the prepared approve and deny queries of one policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	approve  rego.PreparedEvalQuery
	deny     rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the builtin policies, all disabled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	builtin := BuiltinPolicies()
	for i := range builtin {
		cp, err := e.compile(context.Background(), &builtin[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().Int("count", len(builtin)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate consults every enabled policy in name order. Any deny wins over
// approvals. The first approving policy decides otherwise, and the verdict
// abstains when no policy has an opinion. A policy that fails to evaluate
// is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, req engine.GateRequest) (Verdict, error) {
	start := time.Now()
	input := NewInput(req, e.now())

	e.mu.RLock()
	defer e.mu.RUnlock()

	verdict := Verdict{Outcome: OutcomeAbstain, Evaluated: []string{}}
	var firstApproval *Verdict

	for _, name := range e.enabledNames() {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}

		cp := e.policies[name]
		verdict.Evaluated = append(verdict.Evaluated, name)

		denials, err := e.evalSet(ctx, cp.deny, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("goal", req.Goal.Name).
				Msg("Policy evaluation failed")
			continue
		}
		if len(denials) > 0 && verdict.Outcome != OutcomeDeny {
			verdict.Outcome = OutcomeDeny
			verdict.Policy = name
			verdict.Reasons = denials
		}

		if firstApproval != nil || verdict.Outcome == OutcomeDeny {
			continue
		}
		approvals, err := e.evalSet(ctx, cp.approve, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("goal", req.Goal.Name).
				Msg("Policy evaluation failed")
			continue
		}
		if len(approvals) > 0 {
			firstApproval = &Verdict{Outcome: OutcomeApprove, Policy: name, Reasons: approvals}
		}
	}

	if verdict.Outcome != OutcomeDeny && firstApproval != nil {
		verdict.Outcome = OutcomeApprove
		verdict.Policy = firstApproval.Policy
		verdict.Reasons = firstApproval.Reasons
	}
	verdict.Duration = time.Since(start)

	e.logger.Debug().
		Str("change_event_id", req.ChangeEvent.ID).
		Str("goal", req.Goal.Name).
		Str("gate", string(req.Gate)).
		Str("outcome", string(verdict.Outcome)).
		Str("policy", verdict.Policy).
		Dur("duration", verdict.Duration).
		Msg("Gate policy evaluation completed")

	return verdict, nil
}

// evalSet runs a prepared partial-set query and returns its members as strings.
// An undefined set yields no members.
func (e *Engine) evalSet(ctx context.Context, query rego.PreparedEvalQuery, input Input) ([]string, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var members []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, m := range set {
			members = append(members, reasonString(m))
		}
	}
	sort.Strings(members)
	return members, nil
}

func reasonString(v interface{}) string {
	switch r := v.(type) {
	case string:
		return r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// enabledNames returns the enabled policy names in evaluation order. Callers hold mu.
func (e *Engine) enabledNames() []string {
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Load compiles the given policies and swaps them in for every non-builtin
// policy. Nothing changes when any policy fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return engine.NewPermanentError(fmt.Sprintf("policy %s defined twice", p.Name), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return engine.NewPermanentError(fmt.Sprintf("policy %s shadows a built-in policy", name), nil).
				WithCode(engine.ErrCodeConflict).
				WithResource(name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// LoadPolicies reads policies from files and directories and loads them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Load(ctx, policies)
}

// compile parses a policy and prepares its approve and deny queries.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, engine.NewPermanentError("policy name is required", nil).WithCode(engine.ErrCodeValidation)
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse policy", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}

	// Path.String() renders as data.goalflow.approval.x
	pkg := module.Package.Path.String()
	if pkg != "data."+PackagePrefix && !strings.HasPrefix(pkg, "data."+PackagePrefix+".") {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("policy package %s is outside %s", strings.TrimPrefix(pkg, "data."), PackagePrefix), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(policy.Name, policy.Rego),
			rego.Store(e.store),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	approve, err := prepare("approve")
	if err != nil {
		return nil, engine.NewPermanentError("failed to prepare query", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}
	deny, err := prepare("deny")
	if err != nil {
		return nil, engine.NewPermanentError("failed to prepare query", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}

	p := *policy
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	e.logger.Debug().Str("policy", p.Name).Str("package", pkg).Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   &p,
		pkg:      pkg,
		approve:  approve,
		deny:     deny,
		compiled: time.Now(),
	}, nil
}

// SetData stores a document under data.<key> for policies to read, such as
// release windows or approver lists.
func (e *Engine) SetData(ctx context.Context, key string, value interface{}) error {
	if key == "" || strings.Contains(key, "/") {
		return engine.NewPermanentError(fmt.Sprintf("invalid data key %q", key), nil).WithCode(engine.ErrCodeValidation)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, storage.Path{key}, value); err != nil {
		return fmt.Errorf("failed to write policy data %s: %w", key, err)
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, policyNotFound(name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return policyNotFound(name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

func policyNotFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}
