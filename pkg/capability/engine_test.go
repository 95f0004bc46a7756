package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/clock"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/entropy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/policy"
)

type fixture struct {
	eng   *Engine
	reg   *object.Registry
	clk   *clock.Manual
	sink  *audit.Sink
	hooks *policy.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src, err := entropy.NewDeterministic([]byte(t.Name()))
	require.NoError(t, err)

	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	sink := audit.NewSink(clk, nil)
	t.Cleanup(sink.Close)

	hooks := policy.NewDispatcher()
	for _, p := range []policy.HookPoint{policy.HookIssuance, policy.HookDelegation, policy.HookQuota, policy.HookRuntimeViolation} {
		hooks.Bind(p, policy.Binding{Hook: policy.AllowAll()})
	}

	reg := object.NewRegistry(src)
	eng, err := NewEngine(Config{
		Registry: reg,
		Hooks:    hooks,
		Sink:     sink,
		Clock:    clk,
		Entropy:  src,
	})
	require.NoError(t, err)
	return &fixture{eng: eng, reg: reg, clk: clk, sink: sink, hooks: hooks}
}

func (f *fixture) endpoint(t *testing.T, owner object.CapsuleID) object.Handle {
	t.Helper()
	h, _, err := f.reg.Register(owner, object.KindEndpoint, nil)
	require.NoError(t, err)
	return h
}

func TestIssueAndValidate(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend, OpRecv), Limits{}, 3, map[string]string{"tier": "gold"})
	require.NoError(t, err)
	assert.Regexp(t, `^cap_[0-9a-f]{64}$`, string(ref.Token))
	assert.Equal(t, 3, ref.DelegationDepth)
	assert.ElementsMatch(t, []string{"send", "recv"}, ref.Ops)

	res, err := f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.NoError(t, err)
	assert.Equal(t, object.KindEndpoint, res.Object.Kind)
	assert.Equal(t, int64(1), res.Uses)
}

func TestValidateUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Validate(context.Background(), "alpha", Token("cap_"+"00"), OpSend)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestValidateOpNotGranted(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpControl)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestTokenIsCallerScoped(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)

	// A stolen token presented by a different capsule does not resolve.
	_, err = f.eng.Validate(context.Background(), "mallory", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestTTLExpiry(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{TTL: 10 * time.Second}, 0, nil)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Second)
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.NoError(t, err)

	f.clk.Advance(6 * time.Second)
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Expired))

	// Expiry revokes: the token no longer exists at all.
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestMaxUsesExhaustion(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{MaxUses: 2}, 0, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
		require.NoError(t, err, "use %d", i+1)
	}

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Exhausted))

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{RatePerSec: 1, Burst: 1}, 0, nil)
	require.NoError(t, err)

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.NoError(t, err)

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.True(t, errors.Is(err, fault.RateLimited))
	assert.True(t, fault.CodeOf(err) == fault.CodeRateLimited)

	// Rate denial does not revoke; a later retry succeeds.
	f.clk.Advance(time.Second)
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.NoError(t, err)
}

func TestQuotaWindow(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{Quota: 2, QuotaWindow: time.Minute}, 0, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
		require.NoError(t, err)
	}
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.RateLimited))

	f.clk.Advance(61 * time.Second)
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.NoError(t, err)
}

type failingQuota struct{}

func (failingQuota) Allow(context.Context, string, int64, time.Duration, time.Time) (bool, error) {
	return false, errors.New("redis unreachable")
}

func TestQuotaStoreFailureDeniesClosed(t *testing.T) {
	f := newFixture(t)
	src, err := entropy.NewDeterministic([]byte("quota-fail"))
	require.NoError(t, err)
	eng, err := NewEngine(Config{
		Registry: f.reg,
		Hooks:    f.hooks,
		Sink:     f.sink,
		Clock:    f.clk,
		Entropy:  src,
		Quota:    failingQuota{},
	})
	require.NoError(t, err)

	h := f.endpoint(t, "alpha")
	ref, err := eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{Quota: 100}, 0, nil)
	require.NoError(t, err)

	_, err = eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.RateLimited))
}

func TestQuotaHookVeto(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.NoError(t, err)

	// A quota-hook deny throttles even when the static limits have room.
	f.hooks.Bind(policy.HookQuota, policy.Binding{Hook: policy.DenyAll("tenant budget spent")})
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.True(t, errors.Is(err, fault.RateLimited))
	assert.Contains(t, err.Error(), "tenant budget spent")

	// The denial does not revoke; lifting the veto restores service.
	f.hooks.Bind(policy.HookQuota, policy.Binding{Hook: policy.AllowAll()})
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.NoError(t, err)
}

func TestThrottleAuditOptIn(t *testing.T) {
	deniedValidations := func(t *testing.T, s *audit.Sink) int {
		t.Helper()
		s.Flush()
		entries, err := s.Chain().Range(1, 1000)
		require.NoError(t, err)
		n := 0
		for _, e := range entries {
			if e.Event.Kind == audit.KindValidate && e.Event.Outcome == audit.OutcomeDenied {
				n++
			}
		}
		return n
	}
	throttle := func(t *testing.T, eng *Engine, reg *object.Registry) {
		t.Helper()
		h, _, err := reg.Register("alpha", object.KindEndpoint, nil)
		require.NoError(t, err)
		ref, err := eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{RatePerSec: 1, Burst: 1}, 0, nil)
		require.NoError(t, err)
		_, err = eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
		require.NoError(t, err)
		_, err = eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
		require.True(t, errors.Is(err, fault.RateLimited))
	}

	t.Run("silent by default", func(t *testing.T) {
		f := newFixture(t)
		throttle(t, f.eng, f.reg)
		assert.Zero(t, deniedValidations(t, f.sink))
	})

	t.Run("audited when opted in", func(t *testing.T) {
		f := newFixture(t)
		src, err := entropy.NewDeterministic([]byte("throttle-audit"))
		require.NoError(t, err)
		eng, err := NewEngine(Config{
			Registry:         f.reg,
			Hooks:            f.hooks,
			Sink:             f.sink,
			Clock:            f.clk,
			Entropy:          src,
			AuditRateLimited: true,
		})
		require.NoError(t, err)
		throttle(t, eng, f.reg)
		assert.Equal(t, 1, deniedValidations(t, f.sink))
	})
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	require.NoError(t, err)

	require.NoError(t, f.eng.Revoke(context.Background(), "alpha", ref.Token))

	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.Unauthorized))

	err = f.eng.Revoke(context.Background(), "alpha", ref.Token)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestDelegation(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	parent, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend, OpRecv), Limits{}, 1, nil)
	require.NoError(t, err)

	child, err := f.eng.Delegate(context.Background(), "alpha", parent.Token, "beta", NewOpSet(OpSend), Limits{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, child.DelegationDepth)
	assert.Equal(t, parent.Object, child.Object)
	assert.NotEqual(t, parent.Token, child.Token)

	// The delegated capability validates in the target's table.
	res, err := f.eng.Validate(context.Background(), "beta", child.Token, OpSend)
	require.NoError(t, err)
	assert.Equal(t, object.KindEndpoint, res.Object.Kind)

	// Depth 0 ends the chain.
	_, err = f.eng.Delegate(context.Background(), "beta", child.Token, "gamma", NewOpSet(OpSend), Limits{}, nil)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestDelegationOpsMustBeSubset(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	parent, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 2, nil)
	require.NoError(t, err)

	_, err = f.eng.Delegate(context.Background(), "alpha", parent.Token, "beta", NewOpSet(OpSend, OpControl), Limits{}, nil)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestDelegationCannotRelaxLimits(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	parent, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{TTL: time.Minute, MaxUses: 10}, 2, nil)
	require.NoError(t, err)

	// Clearing the parent's TTL would widen the grant.
	_, err = f.eng.Delegate(context.Background(), "alpha", parent.Token, "beta", NewOpSet(OpSend), Limits{MaxUses: 5}, nil)
	assert.True(t, errors.Is(err, fault.Unauthorized))

	// Tightening both dimensions is fine.
	child, err := f.eng.Delegate(context.Background(), "alpha", parent.Token, "beta", NewOpSet(OpSend), Limits{TTL: 30 * time.Second, MaxUses: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, child.DelegationDepth)
}

func TestDelegatedCapabilitySurvivesParentRevocation(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	parent, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 1, nil)
	require.NoError(t, err)
	child, err := f.eng.Delegate(context.Background(), "alpha", parent.Token, "beta", NewOpSet(OpSend), Limits{}, nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.Revoke(context.Background(), "alpha", parent.Token))

	_, err = f.eng.Validate(context.Background(), "beta", child.Token, OpSend)
	assert.NoError(t, err)
}

func TestIssuancePolicyVeto(t *testing.T) {
	f := newFixture(t)
	f.hooks.Bind(policy.HookIssuance, policy.Binding{Hook: policy.DenyAll("frozen tenant")})
	h := f.endpoint(t, "alpha")

	_, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.True(t, errors.Is(err, fault.PolicyDenied))
	assert.Contains(t, err.Error(), "frozen tenant")
}

func TestRuntimeViolationVeto(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)

	f.hooks.Bind(policy.HookRuntimeViolation, policy.Binding{Hook: policy.DenyAll("anomaly detected")})
	_, err = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
	assert.True(t, errors.Is(err, fault.PolicyDenied))
}

func TestPurgeCapsule(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref1, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)
	ref2, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpRecv), Limits{}, 0, nil)
	require.NoError(t, err)

	n := f.eng.PurgeCapsule("alpha")
	assert.Equal(t, 2, n)

	for _, tok := range []Token{ref1.Token, ref2.Token} {
		_, err := f.eng.Validate(context.Background(), "alpha", tok, OpSend)
		assert.True(t, errors.Is(err, fault.Unauthorized))
	}
}

func TestRevokeLinearizableUnderConcurrentValidation(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)

	// Hammer validation from several goroutines while revoking. The
	// validations racing the revoke may go either way; once Revoke has
	// returned, every subsequent validation must fail.
	stop := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
				}
			}
		}()
	}

	require.NoError(t, f.eng.Revoke(context.Background(), "alpha", ref.Token))
	for i := 0; i < 16; i++ {
		_, verr := f.eng.Validate(context.Background(), "alpha", ref.Token, OpSend)
		require.True(t, errors.Is(verr, fault.Unauthorized))
	}

	close(stop)
	for i := 0; i < 4; i++ {
		<-done
	}
}

func TestIssueAuditTrail(t *testing.T) {
	f := newFixture(t)
	h := f.endpoint(t, "alpha")

	sub := f.sink.Subscribe()
	defer f.sink.Unsubscribe(sub)

	ref, err := f.eng.Issue(context.Background(), "alpha", h, NewOpSet(OpSend), Limits{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.eng.Revoke(context.Background(), "alpha", ref.Token))
	f.sink.Flush()

	e1, ok := sub.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, audit.KindIssue, e1.Event.Kind)
	assert.Equal(t, "alpha", e1.Event.Subject)
	assert.Equal(t, audit.OutcomeOK, e1.Event.Outcome)

	e2, ok := sub.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, audit.KindRevoke, e2.Event.Kind)
}
