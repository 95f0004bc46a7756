// Package object implements the kernel object registry.
//
// Objects are named by opaque, unguessable identifiers and reached only
// through per-capsule handle tables. A handle is an arena slot index paired
// with a generation tag; removing an object bumps the generation, so a
// stale handle fails fast instead of resolving to a recycled slot. There is
// no globally-traversable object table: the only objects a capsule can name
// are ones explicitly registered for it or granted to it.
package object

import (
	"encoding/hex"
	"sync"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/entropy"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
)

// Kind classifies a kernel-managed object.
type Kind string

const (
	KindEndpoint    Kind = "ENDPOINT"
	KindTimer       Kind = "TIMER"
	KindControl     Kind = "CONTROL"
	KindStorage     Kind = "STORAGE"
	KindAuditStream Kind = "AUDIT_STREAM"
)

// CapsuleID identifies an isolated execution unit.
type CapsuleID string

// ID is an opaque object identifier. IDs carry 128 bits of entropy and are
// never sequential.
type ID string

// Handle is a capsule-local, generation-tagged reference to an object slot.
// The zero Handle is never valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Object is a kernel-managed resource.
type Object struct {
	ID         ID
	Kind       Kind
	Owner      CapsuleID
	Attachment any // kind-specific state (e.g. the endpoint queue)
}

type slot struct {
	generation uint32
	obj        *Object
	live       bool
}

// table is one capsule's private handle arena.
type table struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// Registry assigns object identifiers and maintains per-capsule handle
// tables. Synchronization is per table; there is no registry-wide lock on
// the resolve path.
type Registry struct {
	mu      sync.RWMutex
	tables  map[CapsuleID]*table
	entropy entropy.Source
}

// NewRegistry creates a registry drawing identifiers from src.
func NewRegistry(src entropy.Source) *Registry {
	return &Registry{
		tables:  make(map[CapsuleID]*table),
		entropy: src,
	}
}

func (r *Registry) newID() (ID, error) {
	b, err := entropy.Bytes(r.entropy, 16)
	if err != nil {
		return "", err
	}
	return ID("obj_" + hex.EncodeToString(b)), nil
}

func (r *Registry) tableFor(capsule CapsuleID, create bool) (*table, bool) {
	if create {
		r.mu.Lock()
		defer r.mu.Unlock()
		t, ok := r.tables[capsule]
		if !ok {
			t = &table{}
			r.tables[capsule] = t
		}
		return t, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[capsule]
	return t, ok
}

// Register creates a new object owned by capsule and installs a handle to
// it in the capsule's table.
func (r *Registry) Register(capsule CapsuleID, kind Kind, attachment any) (Handle, *Object, error) {
	id, err := r.newID()
	if err != nil {
		return Handle{}, nil, fault.New(fault.CodeInternal, "object id generation: %v", err)
	}
	obj := &Object{ID: id, Kind: kind, Owner: capsule, Attachment: attachment}

	t, _ := r.tableFor(capsule, true)
	h := t.install(obj)
	return h, obj, nil
}

// Grant installs a handle to an already-registered object into target's
// table. The object itself is shared by reference; only capability checks
// gate what target may do with it.
func (r *Registry) Grant(src CapsuleID, h Handle, target CapsuleID) (Handle, error) {
	obj, err := r.Resolve(src, h)
	if err != nil {
		return Handle{}, err
	}
	t, _ := r.tableFor(target, true)
	return t.install(obj), nil
}

// Resolve returns the object behind a handle, or Unauthorized if the handle
// is absent, stale, or belongs to no table. Resolution never reveals
// whether the slot once existed.
func (r *Registry) Resolve(capsule CapsuleID, h Handle) (*Object, error) {
	t, ok := r.tableFor(capsule, false)
	if !ok {
		return nil, fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h.Index) >= len(t.slots) {
		return nil, fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	s := &t.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return nil, fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	return s.obj, nil
}

// Remove invalidates a handle. The slot's generation is bumped so any
// outstanding copy of the handle fails on its next resolve.
func (r *Registry) Remove(capsule CapsuleID, h Handle) error {
	t, ok := r.tableFor(capsule, false)
	if !ok {
		return fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h.Index) >= len(t.slots) {
		return fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	s := &t.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return fault.New(fault.CodeUnauthorized, "unknown handle")
	}
	s.live = false
	s.obj = nil
	s.generation++
	t.free = append(t.free, h.Index)
	return nil
}

// PurgeCapsule drops the capsule's entire handle table. It returns the
// objects the capsule owned so callers can tear down their attachments.
// The purge is synchronous: when it returns, no handle of the capsule
// resolves.
func (r *Registry) PurgeCapsule(capsule CapsuleID) []*Object {
	r.mu.Lock()
	t, ok := r.tables[capsule]
	delete(r.tables, capsule)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var owned []*Object
	for i := range t.slots {
		s := &t.slots[i]
		if s.live && s.obj.Owner == capsule {
			owned = append(owned, s.obj)
		}
		s.live = false
		s.obj = nil
		s.generation++
	}
	return owned
}

func (t *table) install(obj *Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.obj = obj
		s.live = true
		return Handle{Index: idx, Generation: s.generation}
	}
	t.slots = append(t.slots, slot{obj: obj, live: true, generation: 1})
	idx := uint32(len(t.slots) - 1)
	return Handle{Index: idx, Generation: 1}
}

// String renders a shortened form for logs. The full ID never appears in
// diagnostics.
func (id ID) String() string {
	s := string(id)
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}
