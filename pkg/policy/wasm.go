package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMHook runs a policy capsule compiled to WASI. The module is confined
// deny-by-default: no filesystem, no network, no environment, memory capped
// by the runtime configuration. Each consultation instantiates the module
// fresh, feeds the JSON-encoded Request on stdin, and reads a JSON Decision
// from stdout. CPU time is bounded by the dispatcher's context deadline.
type WASMHook struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWASMHook compiles the policy module. memoryLimitBytes caps linear
// memory (0 means the runtime default).
func NewWASMHook(ctx context.Context, wasmBytes []byte, memoryLimitBytes int64) (*WASMHook, error) {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	// Interpreter mode keeps execution preemptible by context.
	cfg = cfg.WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: wasm compile: %w", err)
	}

	return &WASMHook{runtime: r, compiled: compiled}, nil
}

func (h *WASMHook) Decide(ctx context.Context, req *Request) (Decision, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// No WithFSConfig, no WithRandSource, no env: the capsule sees only the
	// request bytes.

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("policy: wasm capsule deadline: %w", ctx.Err())
		}
		return Decision{}, fmt.Errorf("policy: wasm instantiate: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	var dec Decision
	if err := json.Unmarshal(stdout.Bytes(), &dec); err != nil {
		return Decision{}, fmt.Errorf("policy: wasm capsule output not a decision: %w", err)
	}
	if dec.Effect != EffectAllow && dec.Effect != EffectDeny && dec.Effect != EffectThrottle {
		return Decision{}, fmt.Errorf("policy: wasm capsule returned unknown effect %q", dec.Effect)
	}
	return dec, nil
}

// Close releases the wazero runtime.
func (h *WASMHook) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
