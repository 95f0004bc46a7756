package object

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/entropy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	src, err := entropy.NewDeterministic([]byte("registry-test-seed"))
	require.NoError(t, err)
	return NewRegistry(src)
}

func TestRegisterResolve(t *testing.T) {
	r := newTestRegistry(t)

	h, obj, err := r.Register("cap-a", KindEndpoint, "queue")
	require.NoError(t, err)
	assert.Equal(t, KindEndpoint, obj.Kind)
	assert.Equal(t, CapsuleID("cap-a"), obj.Owner)

	got, err := r.Resolve("cap-a", h)
	require.NoError(t, err)
	assert.Same(t, obj, got)
}

func TestResolve_ForeignCapsuleFails(t *testing.T) {
	r := newTestRegistry(t)
	h, _, err := r.Register("cap-a", KindTimer, nil)
	require.NoError(t, err)

	_, err = r.Resolve("cap-b", h)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestRemove_StaleGenerationFailsFast(t *testing.T) {
	r := newTestRegistry(t)
	h, _, err := r.Register("cap-a", KindControl, nil)
	require.NoError(t, err)

	require.NoError(t, r.Remove("cap-a", h))

	_, err = r.Resolve("cap-a", h)
	assert.True(t, errors.Is(err, fault.Unauthorized))

	// Slot reuse must mint a new generation, so the old handle stays dead.
	h2, _, err := r.Register("cap-a", KindControl, nil)
	require.NoError(t, err)
	assert.Equal(t, h.Index, h2.Index)
	assert.NotEqual(t, h.Generation, h2.Generation)

	_, err = r.Resolve("cap-a", h)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestGrant_InstallsHandleInTargetTable(t *testing.T) {
	r := newTestRegistry(t)
	h, obj, err := r.Register("cap-a", KindEndpoint, nil)
	require.NoError(t, err)

	granted, err := r.Grant("cap-a", h, "cap-b")
	require.NoError(t, err)

	got, err := r.Resolve("cap-b", granted)
	require.NoError(t, err)
	assert.Same(t, obj, got)
}

func TestPurgeCapsule_Synchronous(t *testing.T) {
	r := newTestRegistry(t)
	h1, _, err := r.Register("cap-a", KindEndpoint, nil)
	require.NoError(t, err)
	h2, _, err := r.Register("cap-a", KindStorage, nil)
	require.NoError(t, err)

	owned := r.PurgeCapsule("cap-a")
	assert.Len(t, owned, 2)

	_, err = r.Resolve("cap-a", h1)
	assert.True(t, errors.Is(err, fault.Unauthorized))
	_, err = r.Resolve("cap-a", h2)
	assert.True(t, errors.Is(err, fault.Unauthorized))
}

func TestIDs_NotSequential(t *testing.T) {
	r := newTestRegistry(t)
	_, a, err := r.Register("cap-a", KindEndpoint, nil)
	require.NoError(t, err)
	_, b, err := r.Register("cap-a", KindEndpoint, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, string(a.ID), len("obj_")+32)
}
