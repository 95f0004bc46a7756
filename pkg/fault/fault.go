// Package fault defines the typed error taxonomy shared by the kernel core.
//
// Every core operation returns one of these faults rather than an ad-hoc
// error, so callers can branch on the class with errors.Is and the audit
// sink can record a stable code. Retryable faults (RateLimited, WouldBlock)
// leave the capability and queue state intact; terminal faults do not.
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable fault class.
type Code string

const (
	CodeUnauthorized   Code = "CMSR/CORE/UNAUTHORIZED"
	CodeExpired        Code = "CMSR/CORE/EXPIRED"
	CodeRateLimited    Code = "CMSR/CORE/RATE_LIMITED"
	CodeExhausted      Code = "CMSR/CORE/EXHAUSTED"
	CodePolicyDenied   Code = "CMSR/CORE/POLICY_DENIED"
	CodeWouldBlock     Code = "CMSR/CORE/WOULD_BLOCK"
	CodeGraphViolation Code = "CMSR/CORE/GRAPH_VIOLATION"
	// CodeBadMessage rejects a malformed or oversized message at the wire
	// boundary. Hostile input from a capsule, not a kernel invariant
	// violation; the sender is never quarantined for it.
	CodeBadMessage Code = "CMSR/CORE/BAD_MESSAGE"
	CodeInternal   Code = "CMSR/CORE/INTERNAL"
)

// Fault is a typed kernel error. Two faults match under errors.Is when
// their codes are equal, so sentinel values below work as class markers.
type Fault struct {
	Code   Code
	Reason string
}

func (f *Fault) Error() string {
	if f.Reason == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

// Is matches on the fault code, ignoring the reason.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.Code == t.Code
}

// Retryable reports whether the caller may retry the same call unchanged.
func (f *Fault) Retryable() bool {
	return f.Code == CodeRateLimited || f.Code == CodeWouldBlock
}

// Sentinel faults for errors.Is checks.
var (
	Unauthorized   = &Fault{Code: CodeUnauthorized}
	Expired        = &Fault{Code: CodeExpired}
	RateLimited    = &Fault{Code: CodeRateLimited}
	Exhausted      = &Fault{Code: CodeExhausted}
	PolicyDenied   = &Fault{Code: CodePolicyDenied}
	WouldBlock     = &Fault{Code: CodeWouldBlock}
	GraphViolation = &Fault{Code: CodeGraphViolation}
	BadMessage     = &Fault{Code: CodeBadMessage}
	Internal       = &Fault{Code: CodeInternal}
)

// New returns a fault of the given code with a caller-supplied reason.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the fault code from err, or CodeInternal if err is not a
// Fault. A nil err returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}
