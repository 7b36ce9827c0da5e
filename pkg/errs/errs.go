// Package errs defines the closed error taxonomy shared across sps2.
//
// Every fallible operation in the engine returns either nil or an *Error
// carrying enough structured context for the CLI to print a consistent
// (message, code, hint, retry-safe) tuple and choose an exit code.
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of error categories from spec §7.
type Code string

const (
	CodeInput      Code = "input"
	CodeResolution Code = "resolution"
	CodeNetwork    Code = "network"
	CodeStore      Code = "store"
	CodeState      Code = "state"
	CodePlatform   Code = "platform"
	CodeInvariant  Code = "invariant"
	CodeCancelled  Code = "cancelled"
)

// Severity ranks how loudly an error should surface.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the structured error type returned across package boundaries.
type Error struct {
	Code      Code
	Severity  Severity
	Operation string
	Package   string
	Version   string
	Path      string
	URL       string
	Retryable bool
	Hint      string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Operation, e.Err)
	if e.Package != "" {
		msg = fmt.Sprintf("%s (package=%s", msg, e.Package)
		if e.Version != "" {
			msg += "@" + e.Version
		}
		msg += ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given code/severity/operation wrapping err.
func New(code Code, severity Severity, operation string, err error) *Error {
	return &Error{Code: code, Severity: severity, Operation: operation, Err: err}
}

// WithPackage sets the package/version fields and returns the receiver.
func (e *Error) WithPackage(name, version string) *Error {
	e.Package = name
	e.Version = version
	return e
}

// WithPath sets the path field and returns the receiver.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithHint sets the hint field and returns the receiver.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRetryable marks whether the caller may safely retry.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// ExitCode maps an error to the CLI exit codes from spec §6/§7.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 3
	}
	switch {
	case e.Code == CodeCancelled:
		return 5
	case e.Code == CodeInvariant || e.Severity == SeverityCritical:
		return 4
	case e.Retryable:
		return 5
	default:
		return 3
	}
}

// As is a thin re-export of errors.As for callers that only import errs.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is a thin re-export of errors.Is for callers that only import errs.
func Is(err, target error) bool { return errors.Is(err, target) }
