package executors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// MaxDiagnostics bounds the diagnostics attached to an execution result.
const MaxDiagnostics = 16 * 1024

// InvocationEnv returns the variables every executor exposes to goal code.
func InvocationEnv(inv engine.Invocation) map[string]string {
	return map[string]string{
		"GOALFLOW_CHANGE_EVENT_ID": inv.ChangeEvent.ID,
		"GOALFLOW_REPOSITORY":      inv.ChangeEvent.Repository,
		"GOALFLOW_BRANCH":          inv.ChangeEvent.Branch,
		"GOALFLOW_SHA":             inv.ChangeEvent.SHA,
		"GOALFLOW_GOAL":            inv.Goal.Name,
		"GOALFLOW_ENVIRONMENT":     string(inv.Goal.Environment.OrDefault()),
		"GOALFLOW_ATTEMPT":         strconv.Itoa(inv.Attempt),
		"GOALFLOW_FULFILLMENT_ID":  inv.FulfillmentID,
	}
}

// mergeEnv overlays the binding env on the invocation env. Invocation
// variables win so goal code can trust them.
func mergeEnv(binding map[string]string, inv engine.Invocation) map[string]string {
	env := make(map[string]string, len(binding)+8)
	for k, v := range binding {
		env[k] = v
	}
	for k, v := range InvocationEnv(inv) {
		env[k] = v
	}
	return env
}

// outcome turns an exit code and output streams into an engine outcome.
// Success carries stdout, failure carries the exit code and stderr.
func outcome(exitCode int, stdout, stderr string) engine.Outcome {
	if exitCode == 0 {
		return engine.Outcome{Result: engine.ResultSuccess, Diagnostics: tail(stdout, MaxDiagnostics)}
	}

	msg := fmt.Sprintf("exit code %d", exitCode)
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	if detail != "" {
		msg += ": " + detail
	}
	return engine.Outcome{Result: engine.ResultFailure, Diagnostics: tail(msg, MaxDiagnostics)}
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n+3:]
}
