package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELHook evaluates a CEL expression as a policy capsule. The expression
// sees a single `request` map with subject, object, operation, hook, and
// context fields and must produce a bool: true allows, false denies.
//
// CEL policies run in-process but remain fail-closed like any other hook:
// compile or evaluation errors surface to the dispatcher, which applies the
// binding's default.
type CELHook struct {
	program cel.Program
	expr    string
}

// NewCELHook compiles the expression against the policy environment.
func NewCELHook(expr string) (*CELHook, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}

	return &CELHook{program: prg, expr: expr}, nil
}

func (h *CELHook) Decide(ctx context.Context, req *Request) (Decision, error) {
	input := map[string]any{
		"request": map[string]any{
			"hook":      string(req.Hook),
			"subject":   req.Subject,
			"object":    req.Object,
			"operation": req.Operation,
			"context":   req.Context,
		},
	}

	val, _, err := h.program.ContextEval(ctx, input)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: cel eval: %w", err)
	}

	allowed, ok := val.Value().(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy: cel expression %q did not produce bool", h.expr)
	}

	if allowed {
		return Decision{Effect: EffectAllow, Reason: "cel policy matched"}, nil
	}
	return Decision{Effect: EffectDeny, Reason: "cel policy rejected"}, nil
}
