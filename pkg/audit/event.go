// Package audit implements the kernel's append-only, tamper-evident event
// log. Every security-relevant decision is recorded here; entries are
// hash-chained so an external reader can detect tampering without trusting
// the kernel's runtime state.
package audit

import (
	"time"
)

// Kind categorizes an audit event.
type Kind string

const (
	KindIssue        Kind = "ISSUE"
	KindDelegate     Kind = "DELEGATE"
	KindRevoke       Kind = "REVOKE"
	KindValidate     Kind = "VALIDATE"
	KindSend         Kind = "SEND"
	KindRecv         Kind = "RECV"
	KindDeliver      Kind = "DELIVER"
	KindDrop         Kind = "DROP"
	KindBackpressure Kind = "BACKPRESSURE"
	KindTeardown     Kind = "TEARDOWN"
	KindBootstrap    Kind = "BOOTSTRAP"
	KindQuarantine   Kind = "QUARANTINE"
	KindSubscribe    Kind = "SUBSCRIBE"
)

// Outcome is the recorded result of the audited decision.
type Outcome string

const (
	OutcomeOK     Outcome = "OK"
	OutcomeDenied Outcome = "DENIED"
	OutcomeError  Outcome = "ERROR"
)

// Event is a single immutable audit record. Once emitted it is never
// altered or deleted.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject"` // acting capsule
	Object    string    `json:"object,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is an event as committed to the chain.
type Entry struct {
	Sequence     uint64 `json:"sequence"`
	Event        Event  `json:"event"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}
