package policy

// BuiltinPolicies returns the policies shipped with the service. They are
// disabled until enabled by name.
func BuiltinPolicies() []Policy {
	return []Policy{
		independentPreApprovalPolicy(),
		stagingMainApprovalPolicy(),
		productionFreezePolicy(),
	}
}

// independentPreApprovalPolicy lets goals that touch no environment start without sign-off.
func independentPreApprovalPolicy() Policy {
	return Policy{
		Name:        "independent-pre-approval",
		Description: "Grants pre-approval to goals that do not act on an environment",
		Builtin:     true,
		Tags:        []string{"pre_approval"},
		Rego: `package goalflow.approval.independent

import rego.v1

approve contains msg if {
	input.gate == "pre_approval"
	input.goal.environment == "independent"
	msg := sprintf("%s does not touch an environment", [input.goal.name])
}
`,
	}
}

// stagingMainApprovalPolicy approves staging deployments from protected branches.
func stagingMainApprovalPolicy() Policy {
	return Policy{
		Name:        "staging-main-approval",
		Description: "Approves staging goals built from main or master",
		Builtin:     true,
		Tags:        []string{"approval", "staging"},
		Rego: `package goalflow.approval.staging

import rego.v1

protected := {"main", "master"}

approve contains msg if {
	input.gate == "approval"
	input.goal.environment == "staging"
	protected[input.change_event.branch]
	msg := sprintf("staging change from %s", [input.change_event.branch])
}
`,
	}
}

// productionFreezePolicy denies production starts while a freeze is flagged on the change event.
func productionFreezePolicy() Policy {
	return Policy{
		Name:        "production-freeze",
		Description: "Denies production goals while the change event carries freeze=true",
		Builtin:     true,
		Tags:        []string{"pre_approval", "production"},
		Rego: `package goalflow.approval.freeze

import rego.v1

deny contains msg if {
	input.goal.environment == "production"
	input.change_event.metadata.freeze == "true"
	msg := sprintf("production is frozen, %s not started", [input.goal.name])
}
`,
	}
}
