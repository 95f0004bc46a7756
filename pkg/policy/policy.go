// Package policy defines the hook protocol between the trusted core and
// externally-implemented policy capsules.
//
// Policy logic never runs inside the core. Each hook point is bound to
// exactly one policy capsule and consulted as a synchronous, timeout-bounded
// round trip; when the capsule errors or misses its deadline the binding's
// default decision applies, so a misbehaving policy capsule can slow a call
// by at most one timeout and can never stall the kernel.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/canonicalize"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
)

// Effect is the outcome class of a policy decision.
type Effect string

const (
	EffectAllow    Effect = "ALLOW"
	EffectDeny     Effect = "DENY"
	EffectThrottle Effect = "THROTTLE"
)

// Decision is the canonical output of a hook consultation.
type Decision struct {
	Effect Effect `json:"effect"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// HookPoint identifies where in the core a policy capsule is consulted.
type HookPoint string

const (
	HookIssuance         HookPoint = "ISSUANCE_PRE_CHECK"
	HookDelegation       HookPoint = "DELEGATION_CHECK"
	HookOperation        HookPoint = "OPERATION_CHECK"
	HookRuntimeViolation HookPoint = "RUNTIME_VIOLATION"
	HookQuota            HookPoint = "QUOTA_CHECK"
)

// Request is the structured input handed to a policy capsule.
type Request struct {
	Hook      HookPoint      `json:"hook"`
	Subject   string         `json:"subject"`  // requesting capsule
	Object    string         `json:"object"`   // object identifier
	Operation string         `json:"operation"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hook evaluates a policy request. Implementations must honor ctx
// cancellation; the dispatcher enforces the deadline.
type Hook interface {
	Decide(ctx context.Context, req *Request) (Decision, error)
}

// Binding ties a hook point to its policy capsule, its deadline, and the
// decision that applies when the capsule cannot answer.
type Binding struct {
	Hook    Hook
	Timeout time.Duration
	Default Decision
}

// DefaultTimeout bounds a hook round trip when the binding does not set one.
const DefaultTimeout = 50 * time.Millisecond

// Dispatcher routes hook consultations to their bound policy capsules.
// Unbound hook points answer with the dispatcher's fallback (deny).
type Dispatcher struct {
	mu       sync.RWMutex
	bindings map[HookPoint]Binding
	metrics  *observability.Provider
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with no bindings. Every hook point
// denies until bound.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		bindings: make(map[HookPoint]Binding),
		logger:   slog.Default().With("component", "policy"),
	}
}

// Bind designates the policy capsule for a hook point, replacing any
// previous binding. A zero timeout takes DefaultTimeout; a zero default
// decision takes deny.
func (d *Dispatcher) Bind(point HookPoint, b Binding) {
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}
	if b.Default.Effect == "" {
		b.Default = Decision{Effect: EffectDeny, Reason: "policy default"}
	}
	d.mu.Lock()
	d.bindings[point] = b
	d.mu.Unlock()
}

// SetMetrics attaches the latency instrument for hook round trips.
func (d *Dispatcher) SetMetrics(m *observability.Provider) {
	d.mu.Lock()
	d.metrics = m
	d.mu.Unlock()
}

// Consult performs the synchronous round trip for the given hook point.
// It never returns an error: on timeout, hook error, or missing binding the
// hook's default decision is the answer.
func (d *Dispatcher) Consult(ctx context.Context, point HookPoint, req *Request) Decision {
	d.mu.RLock()
	b, ok := d.bindings[point]
	m := d.metrics
	d.mu.RUnlock()
	if !ok {
		return Decision{Effect: EffectDeny, Reason: "no policy capsule bound"}
	}

	start := time.Now()
	defer func() { m.RecordHookLatency(ctx, string(point), time.Since(start)) }()

	req.Hook = point
	hctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	type result struct {
		dec Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dec, err := b.Hook.Decide(hctx, req)
		ch <- result{dec, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			d.logger.Warn("policy hook error, applying default",
				"hook", string(point), "err", r.err, "default", string(b.Default.Effect))
			return b.Default
		}
		return r.dec
	case <-hctx.Done():
		d.logger.Warn("policy hook timeout, applying default",
			"hook", string(point), "timeout", b.Timeout, "default", string(b.Default.Effect))
		return b.Default
	}
}

// DecisionHash returns a deterministic hash of a decision for audit
// binding, computed over the JCS canonical form.
func DecisionHash(dec Decision) (string, error) {
	h, err := canonicalize.CanonicalHash(dec)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, req *Request) (Decision, error)

func (f HookFunc) Decide(ctx context.Context, req *Request) (Decision, error) {
	return f(ctx, req)
}

// AllowAll is a hook that approves everything. Test and bootstrap use only.
func AllowAll() Hook {
	return HookFunc(func(context.Context, *Request) (Decision, error) {
		return Decision{Effect: EffectAllow, Reason: "allow-all"}, nil
	})
}

// DenyAll is a hook that rejects everything.
func DenyAll(reason string) Hook {
	return HookFunc(func(context.Context, *Request) (Decision, error) {
		return Decision{Effect: EffectDeny, Reason: reason}, nil
	})
}
