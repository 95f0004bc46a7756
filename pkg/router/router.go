// Package router moves messages between capsules. Every transfer is
// mediated: a send needs a validated Send-class capability and an edge in
// the static topology, a receive needs a validated Recv-class capability,
// and queue bounds are enforced before anything is admitted.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/capability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/policy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/topology"
)

// Validator is the slice of the capability engine the router needs.
type Validator interface {
	Validate(ctx context.Context, caller object.CapsuleID, token capability.Token, op capability.Op) (*capability.Resolution, error)
}

// KernelProducer tags messages injected through the privileged Deliver
// path (timer expiry and other kernel acts).
const KernelProducer object.CapsuleID = "kernel"

// Router mediates all message movement.
type Router struct {
	reg      *object.Registry
	caps     Validator
	graph    *topology.Graph
	sink     *audit.Sink
	hooks    *policy.Dispatcher
	metrics  *observability.Provider
	defaults map[object.CapsuleID]Config
	logger   *slog.Logger

	mu         sync.Mutex
	byOwner    map[object.CapsuleID][]*Endpoint
	dropNotify map[object.CapsuleID]*Endpoint
}

// Options wires the router's collaborators. Hooks carries the policy
// dispatcher whose operation hook is consulted on every send and receive;
// EndpointDefaults supplies per-owner queue configuration applied when
// CreateEndpoint is handed a zero Config.
type Options struct {
	Registry         *object.Registry
	Capabilities     Validator
	Graph            *topology.Graph
	Sink             *audit.Sink
	Hooks            *policy.Dispatcher
	Metrics          *observability.Provider
	EndpointDefaults map[object.CapsuleID]Config
}

// New constructs a router.
func New(opts Options) *Router {
	return &Router{
		reg:        opts.Registry,
		caps:       opts.Capabilities,
		graph:      opts.Graph,
		sink:       opts.Sink,
		hooks:      opts.Hooks,
		metrics:    opts.Metrics,
		defaults:   opts.EndpointDefaults,
		logger:     slog.Default().With("component", "router"),
		byOwner:    make(map[object.CapsuleID][]*Endpoint),
		dropNotify: make(map[object.CapsuleID]*Endpoint),
	}
}

// CreateEndpoint registers a new endpoint object in the owner's table and
// returns its handle. A zero Config takes the owner's profile defaults
// when one was configured.
func (r *Router) CreateEndpoint(owner object.CapsuleID, cfg Config) (object.Handle, *Endpoint, error) {
	if cfg == (Config{}) {
		if d, ok := r.defaults[owner]; ok {
			cfg = d
		}
	}
	ep := NewEndpoint(owner, cfg)
	h, _, err := r.reg.Register(owner, object.KindEndpoint, ep)
	if err != nil {
		return object.Handle{}, nil, err
	}
	r.mu.Lock()
	r.byOwner[owner] = append(r.byOwner[owner], ep)
	r.mu.Unlock()
	return h, ep, nil
}

// BindDropNotify designates an endpoint owned by producer where the router
// delivers a notice whenever one of the producer's already-accepted
// messages is evicted under a drop policy. The notice carries the evicted
// message's label and flags with an empty payload; delivery is best effort
// and never blocks.
func (r *Router) BindDropNotify(producer object.CapsuleID, h object.Handle) error {
	obj, err := r.reg.Resolve(producer, h)
	if err != nil {
		return err
	}
	ep, err := r.endpointOf(obj)
	if err != nil {
		return err
	}
	if ep.Owner() != producer {
		return fault.New(fault.CodeUnauthorized, "drop notify endpoint not owned by %s", producer)
	}
	r.mu.Lock()
	r.dropNotify[producer] = ep
	r.mu.Unlock()
	return nil
}

// consultOperation runs the operation-check hook for a send or receive.
func (r *Router) consultOperation(ctx context.Context, caller object.CapsuleID, objID object.ID, op capability.Op, label uint64) error {
	if r.hooks == nil {
		return nil
	}
	dec := r.hooks.Consult(ctx, policy.HookOperation, &policy.Request{
		Subject:   string(caller),
		Object:    string(objID),
		Operation: string(op),
		Context:   map[string]any{"label": label},
	})
	if dec.Allowed() {
		return nil
	}
	kind := audit.KindSend
	if op == capability.OpRecv {
		kind = audit.KindRecv
	}
	r.sink.Emit(audit.Event{
		Kind:    kind,
		Subject: string(caller),
		Object:  string(objID),
		Outcome: audit.OutcomeDenied,
		Reason:  dec.Reason,
	})
	return fault.New(fault.CodePolicyDenied, "operation vetoed: %s", dec.Reason)
}

// auditDrop records an eviction and notifies the evicted producer when it
// bound a drop-notice endpoint.
func (r *Router) auditDrop(drop *queued, objID object.ID, reason string) {
	r.sink.Emit(audit.Event{
		Kind:    audit.KindDrop,
		Subject: string(drop.producer),
		Object:  string(objID),
		Outcome: audit.OutcomeOK,
		Reason:  reason,
	})
	r.metrics.RecordDrop(context.Background())

	r.mu.Lock()
	notify := r.dropNotify[drop.producer]
	r.mu.Unlock()
	if notify == nil {
		return
	}
	notice := Message{Label: drop.msg.Label, Flags: drop.msg.Flags}
	if _, err := notify.enqueue(context.Background(), KernelProducer, notice, false); err != nil {
		r.logger.Warn("drop notice not delivered",
			"producer", string(drop.producer), "label", drop.msg.Label, "err", err)
	}
}

func (r *Router) endpointOf(obj *object.Object) (*Endpoint, error) {
	ep, ok := obj.Attachment.(*Endpoint)
	if !ok {
		// A capability resolving to a non-endpoint here is a kernel
		// invariant violation, not a caller mistake.
		return nil, fault.New(fault.CodeInternal, "object %s is not an endpoint", obj.ID)
	}
	return ep, nil
}

// Send validates the capability, checks topology reachability, and
// enqueues the message. A full queue yields WouldBlock (or parks the
// caller on a blocking endpoint) unless the drop policy can evict a
// strictly lower-priority message, in which case the eviction is audited
// and the send succeeds.
func (r *Router) Send(ctx context.Context, caller object.CapsuleID, token capability.Token, msg Message) error {
	res, err := r.caps.Validate(ctx, caller, token, capability.OpSend)
	if err != nil {
		return err
	}
	ep, err := r.endpointOf(res.Object)
	if err != nil {
		return err
	}

	if !r.graph.Reachable(caller, ep.owner) {
		r.sink.Emit(audit.Event{
			Kind:    audit.KindSend,
			Subject: string(caller),
			Object:  string(res.Object.ID),
			Outcome: audit.OutcomeDenied,
			Reason:  fmt.Sprintf("no topology edge %s -> %s", caller, ep.owner),
		})
		return fault.New(fault.CodeGraphViolation, "no topology edge %s -> %s", caller, ep.owner)
	}

	if err := r.consultOperation(ctx, caller, res.Object.ID, capability.OpSend, msg.Label); err != nil {
		return err
	}

	drop, err := ep.enqueue(ctx, caller, msg, ep.cfg.Blocking)
	if err != nil {
		if fault.CodeOf(err) == fault.CodeWouldBlock && ep.cfg.AuditBackpressure {
			r.sink.Emit(audit.Event{
				Kind:    audit.KindBackpressure,
				Subject: string(caller),
				Object:  string(res.Object.ID),
				Outcome: audit.OutcomeDenied,
				Reason:  "queue at capacity",
			})
		}
		return err
	}
	r.metrics.RecordSend(ctx)
	if drop != nil {
		r.auditDrop(drop, res.Object.ID,
			fmt.Sprintf("label %d evicted for higher-priority send by %s", drop.msg.Label, caller))
	}
	return nil
}

// SendFrame decodes a wire frame and sends it. Malformed frames are
// rejected before any queue mutation.
func (r *Router) SendFrame(ctx context.Context, caller object.CapsuleID, token capability.Token, frame []byte) error {
	msg, err := Decode(frame, DefaultMaxPayload)
	if err != nil {
		return err
	}
	return r.Send(ctx, caller, token, msg)
}

// Recv validates the capability and dequeues per the endpoint's ordering
// rule. An empty queue yields WouldBlock, or parks the caller on a
// blocking endpoint.
func (r *Router) Recv(ctx context.Context, caller object.CapsuleID, token capability.Token) (Message, error) {
	res, err := r.caps.Validate(ctx, caller, token, capability.OpRecv)
	if err != nil {
		return Message{}, err
	}
	ep, err := r.endpointOf(res.Object)
	if err != nil {
		return Message{}, err
	}
	if err := r.consultOperation(ctx, caller, res.Object.ID, capability.OpRecv, 0); err != nil {
		return Message{}, err
	}
	item, err := ep.dequeue(ctx, ep.cfg.Blocking)
	if err != nil {
		return Message{}, err
	}
	r.metrics.RecordRecv(ctx)
	return item.msg, nil
}

// Deliver is the kernel-privileged injection path used by the timer
// facility. It bypasses capability checks but remains subject to queue
// capacity and the drop policy.
func (r *Router) Deliver(target object.CapsuleID, h object.Handle, msg Message) error {
	obj, err := r.reg.Resolve(target, h)
	if err != nil {
		return err
	}
	ep, err := r.endpointOf(obj)
	if err != nil {
		return err
	}
	drop, err := ep.enqueue(context.Background(), KernelProducer, msg, false)
	if err != nil {
		if fault.CodeOf(err) == fault.CodeWouldBlock && ep.cfg.AuditBackpressure {
			r.sink.Emit(audit.Event{
				Kind:    audit.KindBackpressure,
				Subject: string(KernelProducer),
				Object:  string(obj.ID),
				Outcome: audit.OutcomeDenied,
				Reason:  "timer delivery against full queue",
			})
		}
		return err
	}
	r.metrics.RecordSend(context.Background())
	if drop != nil {
		r.auditDrop(drop, obj.ID,
			fmt.Sprintf("label %d evicted for timer delivery", drop.msg.Label))
	}
	return nil
}

// Teardown closes every endpoint the capsule owns, waking parked callers
// with an explicit error. Pending and new operations fail permanently.
func (r *Router) Teardown(capsule object.CapsuleID) int {
	r.mu.Lock()
	eps := r.byOwner[capsule]
	delete(r.byOwner, capsule)
	delete(r.dropNotify, capsule)
	r.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
	if len(eps) > 0 {
		r.logger.Info("endpoints torn down", "capsule", string(capsule), "count", len(eps))
	}
	return len(eps)
}

// Resume wakes every parked sender and receiver so they re-examine queue
// state. The scheduler calls this on context switches to keep blocked
// operations fair.
func (r *Router) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, eps := range r.byOwner {
		for _, ep := range eps {
			ep.Kick()
		}
	}
}
