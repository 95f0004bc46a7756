// Package core assembles the kernel's trusted surface: the object
// registry, capability engine, policy dispatcher, audit sink, and message
// router, behind the API capsules and external collaborators call.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/capability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/clock"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/config"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/entropy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/policy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/router"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/topology"
)

// Kernel is the assembled trusted core.
type Kernel struct {
	registry *object.Registry
	engine   *capability.Engine
	hooks    *policy.Dispatcher
	sink     *audit.Sink
	router   *router.Router
	graph    *topology.Graph
	clk      clock.Clock
	logger   *slog.Logger

	hookTimeout time.Duration

	bootMu   sync.Mutex
	bootDone bool
	bootRes  *BootstrapResult

	qmu         sync.RWMutex
	quarantined map[object.CapsuleID]struct{}
}

// Options configures kernel assembly. Graph is required; everything else
// has a production default.
type Options struct {
	Graph      *topology.Graph
	Clock      clock.Clock
	Entropy    entropy.Source
	AuditStore audit.Store
	Quota      capability.QuotaStore
	Metrics    *observability.Provider
	// Policy binds hook points to their designated policy capsules.
	// Unbound points deny.
	Policy map[policy.HookPoint]policy.Binding
	// Profile supplies per-capsule endpoint queue defaults and the policy
	// hook deadline. Optional.
	Profile *config.KernelProfile
	// AuditRateLimited opts quota and rate denials into the audit log.
	AuditRateLimited bool
	// RootCapsule is the capsule seeded at bootstrap. Defaults to "boot".
	RootCapsule object.CapsuleID
	// RootDelegationDepth bounds the delegation chain from the root
	// capability. Defaults to 8.
	RootDelegationDepth int
}

// PermissivePolicy binds every hook point to an allow-all capsule. Meant
// for boots that have not yet loaded a policy pack, and for tests.
func PermissivePolicy() map[policy.HookPoint]policy.Binding {
	m := make(map[policy.HookPoint]policy.Binding)
	for _, p := range []policy.HookPoint{
		policy.HookIssuance, policy.HookDelegation, policy.HookOperation,
		policy.HookRuntimeViolation, policy.HookQuota,
	} {
		m[p] = policy.Binding{Hook: policy.AllowAll()}
	}
	return m
}

// New assembles a kernel.
func New(opts Options) (*Kernel, error) {
	if opts.Graph == nil {
		return nil, fault.New(fault.CodeInternal, "topology graph is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Wall{}
	}
	if opts.Entropy == nil {
		opts.Entropy = entropy.Crypto{}
	}
	if opts.RootCapsule == "" {
		opts.RootCapsule = "boot"
	}
	if opts.RootDelegationDepth <= 0 {
		opts.RootDelegationDepth = 8
	}

	var hookTimeout time.Duration
	if opts.Profile != nil {
		hookTimeout = opts.Profile.Policy.HookTimeout()
	}

	hooks := policy.NewDispatcher()
	hooks.SetMetrics(opts.Metrics)
	for point, b := range opts.Policy {
		if b.Timeout == 0 {
			b.Timeout = hookTimeout
		}
		hooks.Bind(point, b)
	}

	sink := audit.NewSink(opts.Clock, opts.AuditStore)
	sink.SetMetrics(opts.Metrics)
	registry := object.NewRegistry(opts.Entropy)
	engine, err := capability.NewEngine(capability.Config{
		Registry:         registry,
		Hooks:            hooks,
		Sink:             sink,
		Clock:            opts.Clock,
		Entropy:          opts.Entropy,
		Quota:            opts.Quota,
		Metrics:          opts.Metrics,
		AuditRateLimited: opts.AuditRateLimited,
	})
	if err != nil {
		sink.Close()
		return nil, err
	}

	k := &Kernel{
		registry: registry,
		engine:   engine,
		hooks:    hooks,
		sink:     sink,
		graph:    opts.Graph,
		clk:      opts.Clock,
		logger:   slog.Default().With("component", "core"),

		hookTimeout: hookTimeout,
		quarantined: make(map[object.CapsuleID]struct{}),
	}
	k.router = router.New(router.Options{
		Registry:         registry,
		Capabilities:     engine,
		Graph:            opts.Graph,
		Sink:             sink,
		Hooks:            hooks,
		Metrics:          opts.Metrics,
		EndpointDefaults: endpointDefaults(opts.Profile),
	})
	// Stash root parameters for bootstrap.
	k.bootRes = &BootstrapResult{rootCapsule: opts.RootCapsule, rootDepth: opts.RootDelegationDepth}
	return k, nil
}

// endpointDefaults translates the profile's per-capsule queue settings into
// router endpoint configs.
func endpointDefaults(p *config.KernelProfile) map[object.CapsuleID]router.Config {
	if p == nil || len(p.Endpoints) == 0 {
		return nil
	}
	m := make(map[object.CapsuleID]router.Config, len(p.Endpoints))
	for capsule, ec := range p.Endpoints {
		cfg := router.Config{
			Capacity:          ec.Capacity,
			MaxPayload:        ec.MaxPayloadBytes,
			Blocking:          ec.Blocking,
			Drop:              router.DropPolicy{Enabled: ec.DropEnabled},
			AuditBackpressure: ec.AuditBackpressure,
		}
		if ec.Ordering == "round_robin" {
			cfg.Ordering = router.OrderRoundRobin
		}
		m[object.CapsuleID(capsule)] = cfg
	}
	return m
}

// Close flushes and stops the audit sink.
func (k *Kernel) Close() {
	k.sink.Close()
}

// Registry exposes the object registry for capsule and endpoint setup.
func (k *Kernel) Registry() *object.Registry { return k.registry }

// Router exposes endpoint creation. Message movement still goes through
// Send/Recv/Deliver on the kernel.
func (k *Kernel) Router() *router.Router { return k.router }

// Audit exposes the sink for collaborators that own an export pipeline.
func (k *Kernel) Audit() *audit.Sink { return k.sink }

// BootstrapResult is what cold boot gets back: the administrative root
// capability plus handles the root capsule can issue further capabilities
// over.
type BootstrapResult struct {
	Root        *capability.Ref
	Control     object.Handle
	AuditStream object.Handle

	rootCapsule object.CapsuleID
	rootDepth   int
}

// BootstrapRootCapability seeds the initial administrative capability
// exactly once at cold start. Every other capability is eventually issued
// or delegated from it. Subsequent calls fail.
func (k *Kernel) BootstrapRootCapability() (*BootstrapResult, error) {
	k.bootMu.Lock()
	defer k.bootMu.Unlock()
	if k.bootDone {
		return nil, fault.New(fault.CodeUnauthorized, "root capability already bootstrapped")
	}

	res := k.bootRes
	ch, _, err := k.registry.Register(res.rootCapsule, object.KindControl, nil)
	if err != nil {
		return nil, err
	}
	ah, _, err := k.registry.Register(res.rootCapsule, object.KindAuditStream, k.sink)
	if err != nil {
		return nil, err
	}
	ref, err := k.engine.IssueUnchecked(res.rootCapsule, ch,
		capability.NewOpSet(capability.OpControl),
		capability.Limits{}, res.rootDepth, map[string]string{"role": "root"})
	if err != nil {
		return nil, err
	}
	res.Root, res.Control, res.AuditStream = ref, ch, ah
	k.bootDone = true
	k.sink.Emit(audit.Event{
		Kind:    audit.KindBootstrap,
		Subject: string(res.rootCapsule),
		Outcome: audit.OutcomeOK,
		Reason:  "root capability seeded",
	})
	k.logger.Info("root capability bootstrapped", "capsule", string(res.rootCapsule))
	return res, nil
}

func (k *Kernel) isQuarantined(c object.CapsuleID) bool {
	k.qmu.RLock()
	defer k.qmu.RUnlock()
	_, ok := k.quarantined[c]
	return ok
}

// Quarantine isolates a capsule after a kernel invariant violation. Its
// capability and endpoint state is torn down and every further call from
// it is refused; inconsistent state never propagates.
func (k *Kernel) Quarantine(c object.CapsuleID, reason string) {
	k.qmu.Lock()
	_, already := k.quarantined[c]
	k.quarantined[c] = struct{}{}
	k.qmu.Unlock()
	if already {
		return
	}
	k.sink.Emit(audit.Event{
		Kind:    audit.KindQuarantine,
		Subject: string(c),
		Outcome: audit.OutcomeError,
		Reason:  reason,
	})
	k.logger.Error("capsule quarantined", "capsule", string(c), "reason", reason)
	k.teardown(c)
}

// trap inspects an operation result and quarantines the caller when a
// kernel invariant was violated.
func (k *Kernel) trap(caller object.CapsuleID, err error) error {
	if err != nil && fault.CodeOf(err) == fault.CodeInternal {
		k.Quarantine(caller, err.Error())
	}
	return err
}

func (k *Kernel) gate(caller object.CapsuleID) error {
	if k.isQuarantined(caller) {
		return fault.New(fault.CodeUnauthorized, "capsule quarantined")
	}
	return nil
}

// Issue mints a capability for the caller over one of its handles.
func (k *Kernel) Issue(ctx context.Context, caller object.CapsuleID, h object.Handle, ops capability.OpSet, limits capability.Limits, depth int, labels map[string]string) (*capability.Ref, error) {
	if err := k.gate(caller); err != nil {
		return nil, err
	}
	ref, err := k.engine.Issue(ctx, caller, h, ops, limits, depth, labels)
	return ref, k.trap(caller, err)
}

// Validate checks a token for an operation and resolves its object.
func (k *Kernel) Validate(ctx context.Context, caller object.CapsuleID, token capability.Token, op capability.Op) (*capability.Resolution, error) {
	if err := k.gate(caller); err != nil {
		return nil, err
	}
	res, err := k.engine.Validate(ctx, caller, token, op)
	return res, k.trap(caller, err)
}

// Delegate creates a strictly weaker capability for another capsule.
func (k *Kernel) Delegate(ctx context.Context, caller object.CapsuleID, parent capability.Token, target object.CapsuleID, ops capability.OpSet, limits capability.Limits, labels map[string]string) (*capability.Ref, error) {
	if err := k.gate(caller); err != nil {
		return nil, err
	}
	ref, err := k.engine.Delegate(ctx, caller, parent, target, ops, limits, labels)
	return ref, k.trap(caller, err)
}

// Revoke removes the caller's capability.
func (k *Kernel) Revoke(ctx context.Context, caller object.CapsuleID, token capability.Token) error {
	if err := k.gate(caller); err != nil {
		return err
	}
	return k.trap(caller, k.engine.Revoke(ctx, caller, token))
}

// Send validates and enqueues a message.
func (k *Kernel) Send(ctx context.Context, caller object.CapsuleID, token capability.Token, msg router.Message) error {
	if err := k.gate(caller); err != nil {
		return err
	}
	return k.trap(caller, k.router.Send(ctx, caller, token, msg))
}

// Recv validates and dequeues a message.
func (k *Kernel) Recv(ctx context.Context, caller object.CapsuleID, token capability.Token) (router.Message, error) {
	if err := k.gate(caller); err != nil {
		return router.Message{}, err
	}
	msg, err := k.router.Recv(ctx, caller, token)
	return msg, k.trap(caller, err)
}

// SubscribeAudit opens a live audit event stream for an authorized
// reader. The capability must grant audit.subscribe over an audit stream
// object. The stream starts at subscription time; history needs a
// separate replay capability.
func (k *Kernel) SubscribeAudit(ctx context.Context, caller object.CapsuleID, token capability.Token) (*audit.Subscription, error) {
	if err := k.gate(caller); err != nil {
		return nil, err
	}
	res, err := k.engine.Validate(ctx, caller, token, capability.OpAuditSubscribe)
	if err != nil {
		return nil, k.trap(caller, err)
	}
	if res.Object.Kind != object.KindAuditStream {
		return nil, fault.New(fault.CodeUnauthorized, "capability does not reference an audit stream")
	}
	sub := k.sink.Subscribe()
	k.sink.Emit(audit.Event{
		Kind:    audit.KindSubscribe,
		Subject: string(caller),
		Object:  string(res.Object.ID),
		Outcome: audit.OutcomeOK,
	})
	return sub, nil
}

// UnsubscribeAudit closes a stream opened by SubscribeAudit.
func (k *Kernel) UnsubscribeAudit(sub *audit.Subscription) {
	k.sink.Unsubscribe(sub)
}

// ReplayAudit returns a bounded slice of past entries for holders of a
// replay capability over an audit stream object.
func (k *Kernel) ReplayAudit(ctx context.Context, caller object.CapsuleID, token capability.Token, start, end uint64) ([]audit.Entry, error) {
	if err := k.gate(caller); err != nil {
		return nil, err
	}
	res, err := k.engine.Validate(ctx, caller, token, capability.OpAuditReplay)
	if err != nil {
		return nil, k.trap(caller, err)
	}
	if res.Object.Kind != object.KindAuditStream {
		return nil, fault.New(fault.CodeUnauthorized, "capability does not reference an audit stream")
	}
	return k.sink.Chain().Range(start, end)
}

// routerTransport carries policy consultations over ordinary mediated
// messages: the request goes to the policy capsule's request endpoint, the
// reply comes back on a reply endpoint the kernel holds a recv capability
// for. The dispatcher's timeout bounds the whole round trip.
type routerTransport struct {
	k         *Kernel
	caller    object.CapsuleID
	sendToken capability.Token
	recvToken capability.Token
}

func (t *routerTransport) Call(ctx context.Context, request []byte) ([]byte, error) {
	if err := t.k.router.Send(ctx, t.caller, t.sendToken, router.Message{Payload: request}); err != nil {
		return nil, err
	}
	msg, err := t.k.router.Recv(ctx, t.caller, t.recvToken)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// BindCapsulePolicy designates an out-of-core policy capsule for a hook
// point. caller is the capsule identity the kernel consults as; sendToken
// must reach the policy capsule's request endpoint and recvToken its
// reply endpoint. A zero timeout takes the profile's hook deadline, then
// the dispatcher default. Binding OPERATION_CHECK this way subjects the
// consultation traffic itself to operation checks; the nested consults
// share the outer deadline, so they terminate, but an in-process hook is
// the better fit for that point.
func (k *Kernel) BindCapsulePolicy(point policy.HookPoint, caller object.CapsuleID, sendToken, recvToken capability.Token, timeout time.Duration) {
	if timeout == 0 {
		timeout = k.hookTimeout
	}
	rt := &routerTransport{k: k, caller: caller, sendToken: sendToken, recvToken: recvToken}
	k.hooks.Bind(point, policy.Binding{Hook: policy.NewCapsuleHook(rt), Timeout: timeout})
}

// BindPolicy designates an in-process hook (CEL program, WASM module, or
// custom) for a hook point. A zero binding timeout takes the profile's
// hook deadline when one was configured.
func (k *Kernel) BindPolicy(point policy.HookPoint, b policy.Binding) {
	if b.Timeout == 0 {
		b.Timeout = k.hookTimeout
	}
	k.hooks.Bind(point, b)
}

// Deliver is the scheduler's timer injection path.
func (k *Kernel) Deliver(target object.CapsuleID, h object.Handle, msg router.Message) error {
	return k.router.Deliver(target, h, msg)
}

// Resume is the scheduler's context-switch notification; parked send and
// recv callers get a chance to make progress.
func (k *Kernel) Resume() {
	k.router.Resume()
}

// TeardownNotify is called by the memory manager on capsule destruction.
// Capability records, endpoints, and object table entries are purged
// synchronously; when it returns, the capsule's kernel state is gone and
// its memory may be reclaimed.
func (k *Kernel) TeardownNotify(c object.CapsuleID) {
	k.teardown(c)
	k.sink.Emit(audit.Event{
		Kind:    audit.KindTeardown,
		Subject: string(c),
		Outcome: audit.OutcomeOK,
		Reason:  "capsule destroyed",
	})
}

func (k *Kernel) teardown(c object.CapsuleID) {
	k.engine.PurgeCapsule(c)
	k.router.Teardown(c)
	k.registry.PurgeCapsule(c)
}
