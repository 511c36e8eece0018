// Package errors provides the outcome taxonomy shared by the speculative tier.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorCategory groups errors by the subsystem that raised them
type ErrorCategory string

const (
	CategoryCompilation ErrorCategory = "COMPILATION"
	CategoryExecution   ErrorCategory = "EXECUTION"
	CategoryResource    ErrorCategory = "RESOURCE"
	CategoryGuard       ErrorCategory = "GUARD"
	CategoryValidation  ErrorCategory = "VALIDATION"
	CategoryInvariant   ErrorCategory = "INVARIANT"
)

// Kind classifies an outcome. Callers branch on the kind, never on the message.
type Kind int

const (
	KindUnknown Kind = iota
	KindCompilationFailed
	KindExecutionFailed
	KindResourceExhaustion
	KindGuardFailure
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindCompilationFailed:
		return "CompilationFailed"
	case KindExecutionFailed:
		return "ExecutionFailed"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	case KindGuardFailure:
		return "GuardFailure"
	case KindInvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// SpeculationError provides a consistent error format
type SpeculationError struct {
	Kind     Kind
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Cause    error
}

// Error implements the error interface
func (e *SpeculationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *SpeculationError) Unwrap() error { return e.Cause }

// Is matches another *SpeculationError carrying the same kind, so sentinel
// values such as ErrCompilationFailed work with errors.Is.
func (e *SpeculationError) Is(target error) bool {
	t, ok := target.(*SpeculationError)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrCompilationFailed  = &SpeculationError{Kind: KindCompilationFailed}
	ErrExecutionFailed    = &SpeculationError{Kind: KindExecutionFailed}
	ErrResourceExhaustion = &SpeculationError{Kind: KindResourceExhaustion}
	ErrInvalidState       = &SpeculationError{Kind: KindInvalidState}
)

// New creates a new error recording its caller
func New(kind Kind, category ErrorCategory, code, message string, context map[string]interface{}) *SpeculationError {
	return &SpeculationError{
		Kind:     kind,
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller(2),
	}
}

func caller(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

// KindOf reports the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var se *SpeculationError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// RetryAfter extracts the retry hint of a ResourceExhaustion error.
func RetryAfter(err error) (time.Duration, bool) {
	var se *SpeculationError
	if !stderrors.As(err, &se) || se.Kind != KindResourceExhaustion {
		return 0, false
	}
	d, ok := se.Context["retry_after"].(time.Duration)
	return d, ok
}

// Common error constructors

func InsufficientBenefit(function uint64, benefit, required float64) *SpeculationError {
	e := New(KindCompilationFailed, CategoryCompilation, "INSUFFICIENT_BENEFIT",
		fmt.Sprintf("estimated speculation benefit %.3f below %.3f", benefit, required),
		map[string]interface{}{"function": function, "benefit": benefit, "required": required})
	e.Caller = caller(2)
	return e
}

func CompilationFailed(function uint64, reason string, cause error) *SpeculationError {
	e := New(KindCompilationFailed, CategoryCompilation, "COMPILATION_FAILED",
		fmt.Sprintf("function %d: %s", function, reason),
		map[string]interface{}{"function": function})
	e.Cause = cause
	e.Caller = caller(2)
	return e
}

func ExecutionFailed(function uint64, cause error) *SpeculationError {
	e := New(KindExecutionFailed, CategoryExecution, "EXECUTION_FAILED",
		fmt.Sprintf("function %d failed in every tier", function),
		map[string]interface{}{"function": function})
	e.Cause = cause
	e.Caller = caller(2)
	return e
}

func ResourceExhausted(reason string, retryAfter time.Duration) *SpeculationError {
	e := New(KindResourceExhaustion, CategoryResource, "BUDGET_DENIED", reason,
		map[string]interface{}{"retry_after": retryAfter})
	e.Caller = caller(2)
	return e
}

func UnknownFunction(function uint64) *SpeculationError {
	e := New(KindInvalidState, CategoryInvariant, "UNKNOWN_FUNCTION",
		fmt.Sprintf("function %d has no speculative artifact", function),
		map[string]interface{}{"function": function})
	e.Caller = caller(2)
	return e
}

func DanglingGuard(guard uint64) *SpeculationError {
	e := New(KindInvalidState, CategoryInvariant, "DANGLING_GUARD",
		fmt.Sprintf("guard %d is not owned by the guard manager", guard),
		map[string]interface{}{"guard": guard})
	e.Caller = caller(2)
	return e
}

func InvalidConfig(field string, value interface{}) *SpeculationError {
	e := New(KindInvalidState, CategoryValidation, "INVALID_CONFIG",
		fmt.Sprintf("invalid value %v for %s", value, field),
		map[string]interface{}{"field": field, "value": value})
	e.Caller = caller(2)
	return e
}
