// Package errors provides the structured error taxonomy shared by every
// engine component. Errors preserve cause chains and support errors.Is/As
// while carrying a stable Kind that the engine's retry policy switches on.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that retry policy, logging, and user-facing
// reporting can treat it consistently across components.
type Kind string

// Error kinds named by the engine's error taxonomy.
const (
	// KindInputValidation marks a bad playbook or bad workload shape;
	// the execution fails before any step dispatches.
	KindInputValidation Kind = "InputValidationError"
	// KindToolExecution marks a failure raised inside a tool executor;
	// subject to the step's retry policy.
	KindToolExecution Kind = "ToolExecutionError"
	// KindTaskTimeout marks an expired lease; treated as ToolExecutionError
	// for retry purposes but recorded distinctly as step.lost.
	KindTaskTimeout Kind = "TaskTimeout"
	// KindBrokerUnavailable marks a broker outage; the engine retries with
	// capped exponential backoff since writes go to the event log first.
	KindBrokerUnavailable Kind = "BrokerUnavailable"
	// KindResultStoreUnavailable marks a Result Store outage; the step is
	// retried, and the execution fails with a durable error pointer if the
	// outage persists.
	KindResultStoreUnavailable Kind = "ResultStoreUnavailable"
	// KindCredentialFailure marks a credential provider error; non-retriable
	// by default.
	KindCredentialFailure Kind = "CredentialFailure"
	// KindCredentialSchema marks a keychain response that failed schema
	// validation; non-retriable.
	KindCredentialSchema Kind = "CredentialSchemaError"
	// KindLeaseConflict marks two engine instances racing to advance the
	// same execution; the loser backs off and refreshes state from the
	// event log.
	KindLeaseConflict Kind = "LeaseConflict"
	// KindUnsupportedTool marks an unknown tool kind; terminal.
	KindUnsupportedTool Kind = "UnsupportedTool"
)

// Error is a structured failure that preserves message, kind, and causal
// context while still implementing the standard error interface. Errors may
// be nested via Cause to retain diagnostics across retries and RPC hops.
type Error struct {
	// Kind classifies the failure for retry-policy and reporting purposes.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause error
}

// New constructs an Error of the given kind with the provided message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns an Error of the
// given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind that wraps an underlying error.
// If cause is already an *Error its Kind is preserved unless overridden by a
// non-empty kind argument.
func Wrap(kind Kind, message string, cause error) *Error {
	if kind == "" {
		if k, ok := KindOf(cause); ok {
			kind = k
		}
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, errors.New(KindLeaseConflict, "")) style kind checks.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, returning
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetriable reports whether the retry policy should consider retrying a
// step that failed with this kind. CredentialFailure, CredentialSchemaError,
// UnsupportedTool, and InputValidationError are terminal; everything else is a candidate for the
// step's configured retry policy.
func IsRetriable(kind Kind) bool {
	switch kind {
	case KindCredentialFailure, KindCredentialSchema, KindUnsupportedTool, KindInputValidation:
		return false
	default:
		return true
	}
}
