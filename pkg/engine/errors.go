package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells callers whether an operation is worth repeating.
type ErrorClass string

const (
	// ErrorClassTransient failures may pass when repeated unchanged.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled failures may pass later, after backing off.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict failures lost a race against the current state of a
	// graph; re-read the snapshot before repeating.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures repeat until the input changes.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the error type returned by the engine and the registry.
//
//nolint:revive // engine.EngineError reads better than engine.Error at call sites in other packages.
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`

	// Resource names the goal or change event the error is about.
	Resource string `json:"resource,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)
	if e.Resource != "" {
		b.WriteString(" (" + e.Resource + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code, which lets the Err* sentinels below stand
// for every error carrying their code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newClassified(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns a transient error wrapping err, which may be nil.
func NewTransientError(message string, err error) *EngineError {
	return newClassified(ErrorClassTransient, message, err)
}

// NewThrottledError returns a throttled error wrapping err.
func NewThrottledError(message string, err error) *EngineError {
	return newClassified(ErrorClassThrottled, message, err)
}

// NewConflictError returns a conflict error wrapping err.
func NewConflictError(message string, err error) *EngineError {
	return newClassified(ErrorClassConflict, message, err)
}

// NewPermanentError returns a permanent error wrapping err.
func NewPermanentError(message string, err error) *EngineError {
	return newClassified(ErrorClassPermanent, message, err)
}

// WithResource sets Resource and returns e.
func (e *EngineError) WithResource(name string) *EngineError {
	e.Resource = name
	return e
}

// WithCode sets Code and returns e.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail records a detail and returns e.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// Generic codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeExecutorFailed   = "EXECUTOR_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)

// Goal graph codes.
const (
	ErrCodeDuplicateGoalName       = "DUPLICATE_GOAL_NAME"
	ErrCodeUnknownGoal             = "UNKNOWN_GOAL"
	ErrCodeCyclicDependency        = "CYCLIC_DEPENDENCY"
	ErrCodeDanglingPrecondition    = "DANGLING_PRECONDITION"
	ErrCodeNoFulfillmentRegistered = "NO_FULFILLMENT_REGISTERED"
	ErrCodeConflictingResubmission = "CONFLICTING_RESUBMISSION"
	ErrCodePreconditionExhausted   = "PRECONDITION_EXHAUSTED"
	ErrCodeFulfillmentTimeout      = "FULFILLMENT_TIMEOUT"
	ErrCodeAlreadyDecided          = "ALREADY_DECIDED"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeUnknownChangeEvent      = "UNKNOWN_CHANGE_EVENT"
	ErrCodeUnknownCondition        = "UNKNOWN_CONDITION"
	ErrCodeRetryNotFeasible        = "RETRY_NOT_FEASIBLE"
)

// Sentinels for errors.Is.
var (
	ErrDuplicateGoalName       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateGoalName}
	ErrUnknownGoal             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownGoal}
	ErrCyclicDependency        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicDependency}
	ErrDanglingPrecondition    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDanglingPrecondition}
	ErrNoFulfillmentRegistered = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNoFulfillmentRegistered}
	ErrConflictingResubmission = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflictingResubmission}
	ErrPreconditionExhausted   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePreconditionExhausted}
	ErrFulfillmentTimeout      = &EngineError{Class: ErrorClassTransient, Code: ErrCodeFulfillmentTimeout}
	ErrAlreadyDecided          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyDecided}
	ErrInvalidTransition       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInvalidTransition}
	ErrUnknownChangeEvent      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownChangeEvent}
	ErrUnknownCondition        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownCondition}
	ErrRetryNotFeasible        = &EngineError{Class: ErrorClassConflict, Code: ErrCodeRetryNotFeasible}
)

// HasCode reports whether the first EngineError in err's chain has code.
func HasCode(err error, code string) bool {
	return code != "" && CodeOf(err) == code
}

// CodeOf returns the code of the first EngineError in err's chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

func newCyclicDependencyError(cycle []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
		WithCode(ErrCodeCyclicDependency).
		WithDetail("cycle", cycle)
}

func newDanglingPreconditionError(goal, missing string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("goal %s depends on %s which is not part of the composed graph", goal, missing),
		nil,
	).WithCode(ErrCodeDanglingPrecondition).WithResource(goal).WithDetail("missing", missing)
}

func newUnknownGoalError(name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown goal: %s", name), nil).
		WithCode(ErrCodeUnknownGoal).WithResource(name)
}

func newUnknownChangeEventError(id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown change event: %s", id), nil).
		WithCode(ErrCodeUnknownChangeEvent).WithResource(id)
}

func newInvalidTransitionError(goal string, from, to GoalState) *EngineError {
	return NewConflictError(fmt.Sprintf("goal %s cannot move from %s to %s", goal, from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(goal).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}
