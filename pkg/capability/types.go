// Package capability implements the kernel's capability engine: issuance,
// validation, delegation, and revocation of unforgeable tokens.
//
// The canonical record of every capability lives in the per-capsule store;
// a capsule holds only an opaque token. Records are never indexed by raw
// token bytes: lookups go through a keyed BLAKE2b digest so the store's
// own tables cannot leak usable tokens. Revocation is linearizable with
// concurrent validation: a validator either completes fully against the
// pre-revocation record or observes it gone.
package capability

import (
	"sort"
	"time"
)

// Op is a single operation tag a capability may authorize.
type Op string

// Well-known operation tags. Objects may define further kind-specific ops.
const (
	OpSend           Op = "send"
	OpRecv           Op = "recv"
	OpControl        Op = "control"
	OpAuditSubscribe Op = "audit.subscribe"
	OpAuditReplay    Op = "audit.replay"
)

// OpSet is an unordered set of operation tags.
type OpSet map[Op]struct{}

// NewOpSet builds a set from the given tags.
func NewOpSet(ops ...Op) OpSet {
	s := make(OpSet, len(ops))
	for _, op := range ops {
		s[op] = struct{}{}
	}
	return s
}

// Contains reports whether op is in the set.
func (s OpSet) Contains(op Op) bool {
	_, ok := s[op]
	return ok
}

// SubsetOf reports whether every op in s is also in other.
func (s OpSet) SubsetOf(other OpSet) bool {
	for op := range s {
		if !other.Contains(op) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s OpSet) Clone() OpSet {
	c := make(OpSet, len(s))
	for op := range s {
		c[op] = struct{}{}
	}
	return c
}

// List returns the tags in sorted order, for deterministic logs.
func (s OpSet) List() []string {
	out := make([]string, 0, len(s))
	for op := range s {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}

// Limits bounds a capability's use. The zero value of each field means
// unlimited in that dimension, which is also the loosest value for the
// delegation tightness check.
type Limits struct {
	// TTL is the lifetime from issuance; validation past the deadline
	// expires and revokes the capability.
	TTL time.Duration
	// Quota allows at most this many validations per QuotaWindow.
	Quota int64
	// QuotaWindow is the fixed quota window; defaults to one minute when
	// Quota is set.
	QuotaWindow time.Duration
	// RatePerSec is the sustained validation rate (token bucket).
	RatePerSec float64
	// Burst is the bucket size when RatePerSec is set; defaults to 1.
	Burst int
	// MaxUses caps total successful validations; the capability is
	// exhausted and revoked afterwards.
	MaxUses int64
}

// normalized fills defaulted fields.
func (l Limits) normalized() Limits {
	if l.Quota > 0 && l.QuotaWindow <= 0 {
		l.QuotaWindow = time.Minute
	}
	if l.RatePerSec > 0 && l.Burst <= 0 {
		l.Burst = 1
	}
	return l
}

// AtLeastAsTightAs reports whether l does not relax any dimension of
// parent. Unlimited (zero) is the loosest value of a dimension, so a child
// may only set a dimension the parent left unlimited, never clear one the
// parent set.
func (l Limits) AtLeastAsTightAs(parent Limits) bool {
	if looser(float64(l.TTL), float64(parent.TTL)) {
		return false
	}
	if looser(float64(l.Quota), float64(parent.Quota)) {
		return false
	}
	if l.RatePerSec != 0 || parent.RatePerSec != 0 {
		if looser(l.RatePerSec, parent.RatePerSec) {
			return false
		}
	}
	if looser(float64(l.MaxUses), float64(parent.MaxUses)) {
		return false
	}
	return true
}

// looser reports whether child relaxes parent for a "0 = unlimited"
// dimension.
func looser(child, parent float64) bool {
	if parent == 0 {
		return false // parent unlimited; anything is at least as tight
	}
	if child == 0 {
		return true // child unlimited but parent bounded
	}
	return child > parent
}

// Token is the opaque, unguessable value a capsule presents. Format:
// "cap_" + 64 hex characters (32 random bytes).
type Token string

// Ref is what issuance hands back to a capsule: the token plus enough
// descriptive state for the holder to reason about what it may do. The
// canonical record stays in the store.
type Ref struct {
	Token           Token             `json:"token"`
	Object          string            `json:"object"`
	Ops             []string          `json:"ops"`
	DelegationDepth int               `json:"delegation_depth"`
	Labels          map[string]string `json:"labels,omitempty"`
	IssuedAt        time.Time         `json:"issued_at"`
}
