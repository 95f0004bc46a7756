package capability

import (
	"context"
	"encoding/hex"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/clock"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/entropy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/policy"
)

// Engine is the capability engine: the sole authority for issuing,
// validating, delegating and revoking capabilities.
type Engine struct {
	store     *Store
	registry  *object.Registry
	hooks     *policy.Dispatcher
	sink      *audit.Sink
	clk       clock.Clock
	src       entropy.Source
	quota     QuotaStore
	metrics   *observability.Provider
	auditRate bool
	logger    *slog.Logger
}

// Config wires the engine's collaborators. Registry, Hooks, Sink, Clock
// and Entropy are required; Quota defaults to the in-memory store.
type Config struct {
	Registry *object.Registry
	Hooks    *policy.Dispatcher
	Sink     *audit.Sink
	Clock    clock.Clock
	Entropy  entropy.Source
	Quota    QuotaStore
	Metrics  *observability.Provider
	// AuditRateLimited opts quota and rate denials into the audit log.
	// Off by default so retry storms under normal throttling do not grow
	// the chain.
	AuditRateLimited bool
}

// NewEngine constructs the engine, drawing its token digest key from the
// entropy source.
func NewEngine(cfg Config) (*Engine, error) {
	digestKey, err := entropy.Bytes(cfg.Entropy, 32)
	if err != nil {
		return nil, fault.New(fault.CodeInternal, "digest key: %v", err)
	}
	store, err := NewStore(digestKey)
	if err != nil {
		return nil, err
	}
	quota := cfg.Quota
	if quota == nil {
		quota = NewMemoryQuotaStore()
	}
	return &Engine{
		store:     store,
		registry:  cfg.Registry,
		hooks:     cfg.Hooks,
		sink:      cfg.Sink,
		clk:       cfg.Clock,
		src:       cfg.Entropy,
		quota:     quota,
		metrics:   cfg.Metrics,
		auditRate: cfg.AuditRateLimited,
		logger:    slog.Default().With("component", "capability"),
	}, nil
}

func (e *Engine) newToken() (Token, error) {
	b, err := entropy.Bytes(e.src, 32)
	if err != nil {
		return "", fault.New(fault.CodeInternal, "token generation: %v", err)
	}
	return Token("cap_" + hex.EncodeToString(b)), nil
}

// Issue mints a capability over the object behind the requester's handle.
// The issuance pre-check hook is consulted first; denial returns
// PolicyDenied and is audited.
func (e *Engine) Issue(ctx context.Context, requester object.CapsuleID, h object.Handle, ops OpSet, limits Limits, depth int, labels map[string]string) (*Ref, error) {
	obj, err := e.registry.Resolve(requester, h)
	if err != nil {
		e.audit(audit.KindIssue, requester, "", audit.OutcomeDenied, "unresolved handle")
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fault.New(fault.CodeInternal, "issue with empty ops set")
	}
	if depth < 0 {
		return nil, fault.New(fault.CodeInternal, "negative delegation depth")
	}

	dec := e.hooks.Consult(ctx, policy.HookIssuance, &policy.Request{
		Subject:   string(requester),
		Object:    string(obj.ID),
		Operation: "issue",
		Context:   map[string]any{"ops": ops.List()},
		Timestamp: e.clk.Now(),
	})
	if !dec.Allowed() {
		e.audit(audit.KindIssue, requester, obj.ID, audit.OutcomeDenied, dec.Reason)
		return nil, fault.New(fault.CodePolicyDenied, "issuance vetoed: %s", dec.Reason)
	}

	return e.mint(requester, h, obj, ops, limits, depth, labels, "")
}

// IssueUnchecked mints a capability without the policy pre-check. Reserved
// for the boot path, before any policy capsule exists; the core gates it
// behind the one-shot root bootstrap.
func (e *Engine) IssueUnchecked(requester object.CapsuleID, h object.Handle, ops OpSet, limits Limits, depth int, labels map[string]string) (*Ref, error) {
	obj, err := e.registry.Resolve(requester, h)
	if err != nil {
		return nil, err
	}
	return e.mint(requester, h, obj, ops, limits, depth, labels, "")
}

func (e *Engine) mint(owner object.CapsuleID, h object.Handle, obj *object.Object, ops OpSet, limits Limits, depth int, labels map[string]string, parent string) (*Ref, error) {
	token, err := e.newToken()
	if err != nil {
		return nil, err
	}
	limits = limits.normalized()

	now := e.clk.Now()
	rec := &record{
		digest:   e.store.digest(token),
		owner:    owner,
		handle:   h,
		objectID: obj.ID,
		ops:      ops.Clone(),
		limits:   limits,
		depth:    depth,
		labels:   cloneLabels(labels),
		issuedAt: now,
		parent:   parent,
	}
	if limits.RatePerSec > 0 {
		rec.limiter = rate.NewLimiter(rate.Limit(limits.RatePerSec), limits.Burst)
	}
	e.store.insert(rec)

	kind := audit.KindIssue
	if parent != "" {
		kind = audit.KindDelegate
	}
	e.audit(kind, owner, obj.ID, audit.OutcomeOK, "")

	return &Ref{
		Token:           token,
		Object:          string(obj.ID),
		Ops:             ops.List(),
		DelegationDepth: depth,
		Labels:          cloneLabels(labels),
		IssuedAt:        now,
	}, nil
}

// Delegate creates a strictly weaker capability for target from the
// caller's parent capability.
func (e *Engine) Delegate(ctx context.Context, caller object.CapsuleID, parentToken Token, target object.CapsuleID, subsetOps OpSet, tighter Limits, labels map[string]string) (*Ref, error) {
	rec := e.store.lookup(caller, parentToken)
	if rec == nil {
		e.audit(audit.KindDelegate, caller, "", audit.OutcomeDenied, "unknown parent token")
		return nil, fault.New(fault.CodeUnauthorized, "unknown capability")
	}

	rec.mu.Lock()
	if rec.revoked {
		rec.mu.Unlock()
		e.audit(audit.KindDelegate, caller, rec.objectID, audit.OutcomeDenied, "parent revoked")
		return nil, fault.New(fault.CodeUnauthorized, "unknown capability")
	}
	if rec.depth == 0 {
		rec.mu.Unlock()
		e.audit(audit.KindDelegate, caller, rec.objectID, audit.OutcomeDenied, "delegation depth exhausted")
		return nil, fault.New(fault.CodeUnauthorized, "delegation depth exhausted")
	}
	if !subsetOps.SubsetOf(rec.ops) {
		rec.mu.Unlock()
		e.audit(audit.KindDelegate, caller, rec.objectID, audit.OutcomeDenied, "ops not a subset of parent")
		return nil, fault.New(fault.CodeUnauthorized, "ops exceed parent capability")
	}
	if len(subsetOps) == 0 {
		rec.mu.Unlock()
		return nil, fault.New(fault.CodeUnauthorized, "empty delegated ops set")
	}
	tighter = tighter.normalized()
	if !tighter.AtLeastAsTightAs(rec.limits) {
		rec.mu.Unlock()
		e.audit(audit.KindDelegate, caller, rec.objectID, audit.OutcomeDenied, "limits relax parent")
		return nil, fault.New(fault.CodeUnauthorized, "limits relax parent capability")
	}
	childDepth := rec.depth - 1
	parentDigest := rec.digest
	parentHandle := rec.handle
	objectID := rec.objectID
	rec.mu.Unlock()

	dec := e.hooks.Consult(ctx, policy.HookDelegation, &policy.Request{
		Subject:   string(caller),
		Object:    string(objectID),
		Operation: "delegate",
		Context: map[string]any{
			"target": string(target),
			"ops":    subsetOps.List(),
		},
		Timestamp: e.clk.Now(),
	})
	if !dec.Allowed() {
		e.audit(audit.KindDelegate, caller, objectID, audit.OutcomeDenied, dec.Reason)
		return nil, fault.New(fault.CodePolicyDenied, "delegation vetoed: %s", dec.Reason)
	}

	// Give the target its own handle to the object so the delegated
	// capability resolves inside the target's table.
	targetHandle, err := e.registry.Grant(caller, parentHandle, target)
	if err != nil {
		return nil, err
	}
	obj, err := e.registry.Resolve(target, targetHandle)
	if err != nil {
		return nil, err
	}
	return e.mint(target, targetHandle, obj, subsetOps, tighter, childDepth, labels, parentDigest)
}

// Revoke removes the caller's capability. Linearizable with concurrent
// Validate: by the time Revoke returns nil, no validation of the token can
// succeed.
func (e *Engine) Revoke(ctx context.Context, caller object.CapsuleID, token Token) error {
	rec := e.store.lookup(caller, token)
	if rec == nil {
		return fault.New(fault.CodeUnauthorized, "unknown capability")
	}

	rec.mu.Lock()
	if rec.revoked {
		rec.mu.Unlock()
		return fault.New(fault.CodeUnauthorized, "unknown capability")
	}
	rec.revoked = true
	rec.generation++
	objectID := rec.objectID
	rec.mu.Unlock()

	e.store.remove(rec)
	e.audit(audit.KindRevoke, caller, objectID, audit.OutcomeOK, "")
	return nil
}

// revokeLocked finalizes a record the validator found dead (expired or
// exhausted). Caller holds rec.mu.
func (e *Engine) revokeLocked(rec *record) {
	rec.revoked = true
	rec.generation++
}

// PurgeCapsule synchronously removes every capability issued to the
// capsule. Invoked on capsule teardown before memory is reclaimed.
func (e *Engine) PurgeCapsule(capsule object.CapsuleID) int {
	n := e.store.purge(capsule)
	if n > 0 {
		e.audit(audit.KindTeardown, capsule, "", audit.OutcomeOK, "capability table purged")
	}
	return n
}

// auditThrottled records a quota or rate denial only when the engine was
// opted in; normal throttling stays out of the chain.
func (e *Engine) auditThrottled(subject object.CapsuleID, obj object.ID, reason string) {
	if !e.auditRate {
		return
	}
	e.audit(audit.KindValidate, subject, obj, audit.OutcomeDenied, reason)
}

func (e *Engine) audit(kind audit.Kind, subject object.CapsuleID, obj object.ID, outcome audit.Outcome, reason string) {
	e.sink.Emit(audit.Event{
		Kind:    kind,
		Subject: string(subject),
		Object:  string(obj),
		Outcome: outcome,
		Reason:  reason,
	})
}

func cloneLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}
