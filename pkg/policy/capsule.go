package policy

import (
	"context"
	"encoding/json"
	"fmt"
)

// RoundTripper is the transport a capsule-backed hook uses to reach its
// policy capsule. The core wires this to the message router, so the
// consultation is an ordinary bounded message round trip over the capsule's
// endpoint, not an in-process virtual call.
type RoundTripper interface {
	// Call sends request bytes and blocks for the reply, honoring ctx.
	Call(ctx context.Context, request []byte) ([]byte, error)
}

// CapsuleHook consults an out-of-core policy capsule over a RoundTripper.
// Requests and decisions cross the boundary as JSON payloads.
type CapsuleHook struct {
	transport RoundTripper
}

// NewCapsuleHook wraps a transport as a Hook.
func NewCapsuleHook(rt RoundTripper) *CapsuleHook {
	return &CapsuleHook{transport: rt}
}

func (h *CapsuleHook) Decide(ctx context.Context, req *Request) (Decision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: encode request: %w", err)
	}

	reply, err := h.transport.Call(ctx, payload)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: capsule round trip: %w", err)
	}

	var dec Decision
	if err := json.Unmarshal(reply, &dec); err != nil {
		return Decision{}, fmt.Errorf("policy: capsule reply not a decision: %w", err)
	}
	if dec.Effect != EffectAllow && dec.Effect != EffectDeny && dec.Effect != EffectThrottle {
		return Decision{}, fmt.Errorf("policy: capsule returned unknown effect %q", dec.Effect)
	}
	return dec, nil
}
