// Package policy decides approval gates with Open Policy Agent (OPA) policies.
//
// Policies are Rego modules under the goalflow.approval package tree. Each
// may define two partial sets:
//
//	approve contains msg if { ... }
//	deny contains msg if { ... }
//
// The input document carries the gate ("pre_approval" or "approval"), the
// goal (name, environment, flags), the change event, the attempt number,
// the diagnostics of the last attempt and the evaluation time. Documents
// written with Engine.SetData are visible under data.<key>.
//
// # Verdicts
//
// Enabled policies are consulted in name order. A deny from any policy
// denies the gate. Otherwise the first policy that approves grants it.
// When no policy has an opinion the verdict abstains and the gate waits
// for a human approver.
//
// # Auto approval
//
// AutoApprover is an engine.GateListener. Registered on an engine, it turns
// verdicts into decisions recorded as approver "policy:<name>":
//
//	policies, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := policies.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	eng.AddGateListener(policy.NewAutoApprover(policies, eng, logger))
//
// # Hot reload
//
// Loader.Watch reloads a policy directory on change, debounced, and hands
// the result to Engine.Load. A reload that fails to compile keeps the
// previous policies.
//
// # Built-in policies
//
// Three policies ship disabled: independent-pre-approval,
// staging-main-approval and production-freeze. Enable them by name.
package policy
