// Package apperror defines the closed taxonomy of error kinds every
// component reports through. Callers match on Kind instead of parsing
// strings; every Error wraps an optional underlying cause via %w.
package apperror

import "fmt"

// Kind is a closed sum of error categories.
type Kind string

const (
	KindSecurityViolation Kind = "security_violation"
	KindDataLeakage       Kind = "data_leakage"
	KindSandbox           Kind = "sandbox"
	KindContextBinary     Kind = "context_binary"
	KindContextNotFound   Kind = "context_not_found"
	KindBudget            Kind = "budget"
	KindLLM               Kind = "llm"
	KindConfiguration     Kind = "configuration"
	KindParseFailure      Kind = "parse_failure"
)

// SandboxSubKind distinguishes sandbox failure causes.
type SandboxSubKind string

const (
	SandboxDaemon   SandboxSubKind = "daemon"
	SandboxImage    SandboxSubKind = "image"
	SandboxRuntime  SandboxSubKind = "runtime"
	SandboxInternal SandboxSubKind = "internal"
)

// Error is the single error type every component returns. Code is a stable,
// machine-readable identifier suitable for programmatic handling; Kind is
// the broad taxonomy bucket.
type Error struct {
	Kind Code
	Cause error

	// Sandbox-specific.
	SandboxKind SandboxSubKind
	ExitCode    int

	// Budget-specific.
	Spent float64
	Limit float64

	// DataLeakage-specific: the events that fired (opaque to this package
	// to avoid an import cycle with internal/egress; populated with a
	// caller-supplied []fmt.Stringer-ish summary).
	Events []string

	// LLM-specific.
	Provider string

	msg string
}

// Code is the stable machine-readable code distinct from Kind so that, e.g.,
// two different Sandbox sub-failures can still share Kind==KindSandbox.
type Code struct {
	Kind Kind
	Code string
}

func (c Code) String() string { return string(c.Kind) + ":" + c.Code }

func (e *Error) Error() string {
	base := e.Kind.String()
	if e.msg != "" {
		base += ": " + e.msg
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, apperror.Budget(0, 0)) style matching: any
// *Error target matches when its Kind bucket is the same, whatever its
// other fields hold.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind.Kind == t.Kind.Kind
}

func new_(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: Code{Kind: kind, Code: code}, msg: msg, Cause: cause}
}

// SecurityViolation builds a SecurityViolation error (secure runtime
// required and absent, or a forbidden policy opt-out).
func SecurityViolation(msg string) *Error {
	return new_(KindSecurityViolation, "secure_runtime_required", msg, nil)
}

// DataLeakage builds a DataLeakage error carrying the fired event kinds.
func DataLeakage(events []string) *Error {
	e := new_(KindDataLeakage, "raise_on_leak", "egress filter fired on non-truncation event(s)", nil)
	e.Events = events
	return e
}

// Sandbox builds a Sandbox error of the given sub-kind.
func Sandbox(sub SandboxSubKind, exitCode int, msg string, cause error) *Error {
	e := new_(KindSandbox, string(sub), msg, cause)
	e.SandboxKind = sub
	e.ExitCode = exitCode
	return e
}

// ContextBinary builds a ContextBinary error (context file rejected as binary).
func ContextBinary(path string) *Error {
	return new_(KindContextBinary, "binary_rejected", "context file "+path+" rejected: binary content", nil)
}

// ContextNotFound builds a ContextNotFound error.
func ContextNotFound(path string, cause error) *Error {
	return new_(KindContextNotFound, "not_found", "context file "+path+" unreadable", cause)
}

// Budget builds a Budget error carrying spent/limit.
func Budget(spent, limit float64) *Error {
	e := new_(KindBudget, "ceiling_exceeded", "budget ceiling exceeded", nil)
	e.Spent = spent
	e.Limit = limit
	return e
}

// LLM builds an LLM transport/provider error.
func LLM(provider string, cause error) *Error {
	e := new_(KindLLM, "provider_failure", "llm request failed", cause)
	e.Provider = provider
	return e
}

// Configuration builds a Configuration error (invalid config at boot).
func Configuration(msg string) *Error {
	return new_(KindConfiguration, "invalid", msg, nil)
}

// ParseFailure builds a ParseFailure error (code extractor found nothing
// actionable). The orchestrator records it on that iteration's step and
// continues with a guidance message; it does not end a run, and a run that
// exhausts max_iterations ends with a Configuration-kind error, not this one.
func ParseFailure(msg string) *Error {
	return new_(KindParseFailure, "no_actionable_content", msg, nil)
}

// Wrapf is a convenience used throughout the codebase for non-taxonomy
// wrapping at call sites that don't construct one of the Kind helpers
// directly.
func Wrapf(kind Kind, format string, args ...interface{}) *Error {
	return new_(kind, "generic", fmt.Sprintf(format, args...), nil)
}
