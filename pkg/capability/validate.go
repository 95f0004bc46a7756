package capability

import (
	"context"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/policy"
)

// Resolution is the successful outcome of a validation: the object the
// capability names, resolved fresh from the registry.
type Resolution struct {
	Object *object.Object
	Uses   int64 // successful validations so far, this one included
}

// Validate checks a presented token for an operation and, on success,
// resolves the underlying object. Checks run in a fixed order so the same
// state always yields the same fault: existence, operation, TTL, quota,
// rate, the quota hook, use count, then the runtime-violation hook. The
// record's mutex is held across the whole check, which is what makes
// revocation linearizable:
// once Revoke has flipped the record, no validation in flight can pass it.
func (e *Engine) Validate(ctx context.Context, caller object.CapsuleID, token Token, op Op) (*Resolution, error) {
	rec := e.store.lookup(caller, token)
	if rec == nil {
		e.audit(audit.KindValidate, caller, "", audit.OutcomeDenied, "unknown token")
		e.metrics.RecordValidation(ctx, string(fault.CodeUnauthorized))
		return nil, fault.New(fault.CodeUnauthorized, "unknown capability")
	}

	res, dead, err := e.validateRecord(ctx, caller, rec, op)
	if dead {
		// Table removal happens outside the record mutex; the record is
		// already marked revoked, so concurrent lookups cannot use it.
		e.store.remove(rec)
	}
	e.metrics.RecordValidation(ctx, string(fault.CodeOf(err)))
	return res, err
}

// validateRecord runs the check sequence under rec.mu. dead reports that
// the record was revoked in place (expiry or exhaustion) and should be
// dropped from its table.
func (e *Engine) validateRecord(ctx context.Context, caller object.CapsuleID, rec *record, op Op) (_ *Resolution, dead bool, _ error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.revoked {
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, "revoked")
		return nil, false, fault.New(fault.CodeUnauthorized, "unknown capability")
	}
	if !rec.ops.Contains(op) {
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, "operation not granted")
		return nil, false, fault.New(fault.CodeUnauthorized, "operation %q not granted", op)
	}

	now := e.clk.Now()
	if rec.limits.TTL > 0 && now.Sub(rec.issuedAt) >= rec.limits.TTL {
		// Expired on first observation; revoked in place so later
		// presentations fall through the existence check instead.
		e.revokeLocked(rec)
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, "expired")
		return nil, true, fault.New(fault.CodeExpired, "capability expired")
	}

	if rec.limits.Quota > 0 {
		ok, err := e.quota.Allow(ctx, rec.digest, rec.limits.Quota, rec.limits.QuotaWindow, now)
		if err != nil {
			// Quota store unreachable: fail closed. Audited unconditionally
			// as an operational error, unlike ordinary throttling.
			e.logger.Warn("quota store error, denying", "error", err)
			e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeError, "quota store unavailable")
			return nil, false, fault.New(fault.CodeRateLimited, "quota check unavailable")
		}
		if !ok {
			e.auditThrottled(caller, rec.objectID, "quota exceeded")
			return nil, false, fault.New(fault.CodeRateLimited, "quota exceeded")
		}
	}

	if rec.limiter != nil && !rec.limiter.AllowN(now, 1) {
		e.auditThrottled(caller, rec.objectID, "rate exceeded")
		return nil, false, fault.New(fault.CodeRateLimited, "rate exceeded")
	}

	qdec := e.hooks.Consult(ctx, policy.HookQuota, &policy.Request{
		Subject:   string(caller),
		Object:    string(rec.objectID),
		Operation: string(op),
		Context:   map[string]any{"uses": rec.uses, "quota": rec.limits.Quota},
		Timestamp: now,
	})
	if !qdec.Allowed() {
		e.auditThrottled(caller, rec.objectID, qdec.Reason)
		return nil, false, fault.New(fault.CodeRateLimited, "quota vetoed: %s", qdec.Reason)
	}

	if rec.exhausted {
		e.revokeLocked(rec)
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, "uses exhausted")
		return nil, true, fault.New(fault.CodeExhausted, "capability uses exhausted")
	}

	dec := e.hooks.Consult(ctx, policy.HookRuntimeViolation, &policy.Request{
		Subject:   string(caller),
		Object:    string(rec.objectID),
		Operation: string(op),
		Timestamp: now,
	})
	if !dec.Allowed() {
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, dec.Reason)
		return nil, false, fault.New(fault.CodePolicyDenied, "validation vetoed: %s", dec.Reason)
	}

	obj, err := e.registry.Resolve(caller, rec.handle)
	if err != nil {
		e.audit(audit.KindValidate, caller, rec.objectID, audit.OutcomeDenied, "object gone")
		return nil, false, err
	}

	rec.uses++
	if rec.limits.MaxUses > 0 && rec.uses >= rec.limits.MaxUses {
		// This use succeeds; the capability is spent afterwards.
		rec.exhausted = true
	}
	return &Resolution{Object: obj, Uses: rec.uses}, false, nil
}
