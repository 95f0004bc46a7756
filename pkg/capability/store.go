package capability

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
)

// record is the canonical capability record. All mutation happens under mu,
// so a concurrent validator never observes a half-applied change; revoked
// flips exactly once and the generation tag bumps with it.
type record struct {
	mu sync.Mutex

	digest     string
	owner      object.CapsuleID
	handle     object.Handle
	objectID   object.ID
	ops        OpSet
	limits     Limits
	depth      int
	labels     map[string]string
	issuedAt   time.Time
	parent     string // parent record digest, "" for root issuance
	limiter    *rate.Limiter
	uses       int64
	exhausted  bool
	revoked    bool
	generation uint64
}

// capTable is one capsule's private capability table.
type capTable struct {
	mu   sync.RWMutex
	recs map[string]*record
}

// Store keeps the per-capsule capability tables. Lookup is by keyed digest
// of the token; the digest key is drawn once at construction and never
// leaves the store.
type Store struct {
	mu        sync.RWMutex
	tables    map[object.CapsuleID]*capTable
	digestKey []byte
}

// NewStore creates a store with the given 32-byte digest key.
func NewStore(digestKey []byte) (*Store, error) {
	if len(digestKey) != 32 {
		return nil, fmt.Errorf("capability: digest key must be 32 bytes, got %d", len(digestKey))
	}
	return &Store{
		tables:    make(map[object.CapsuleID]*capTable),
		digestKey: digestKey,
	}, nil
}

// digest maps a token to its table key.
func (s *Store) digest(token Token) string {
	h, err := blake2b.New256(s.digestKey)
	if err != nil {
		// key length was validated at construction
		panic(fmt.Sprintf("capability: digest init: %v", err))
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) tableFor(capsule object.CapsuleID, create bool) *capTable {
	if create {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.tables[capsule]
		if !ok {
			t = &capTable{recs: make(map[string]*record)}
			s.tables[capsule] = t
		}
		return t
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[capsule]
}

// insert installs a record into its owner's table.
func (s *Store) insert(rec *record) {
	t := s.tableFor(rec.owner, true)
	t.mu.Lock()
	t.recs[rec.digest] = rec
	t.mu.Unlock()
}

// lookup finds the caller's record for a token, or nil.
func (s *Store) lookup(caller object.CapsuleID, token Token) *record {
	t := s.tableFor(caller, false)
	if t == nil {
		return nil
	}
	d := s.digest(token)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recs[d]
}

// remove deletes a record from its owner's table. The caller is expected
// to have already marked the record revoked under its mutex.
func (s *Store) remove(rec *record) {
	t := s.tableFor(rec.owner, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.recs, rec.digest)
	t.mu.Unlock()
}

// purge drops a capsule's whole table and marks every record revoked.
// Returns the number of records purged.
func (s *Store) purge(capsule object.CapsuleID) int {
	s.mu.Lock()
	t, ok := s.tables[capsule]
	delete(s.tables, capsule)
	s.mu.Unlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.recs {
		rec.mu.Lock()
		rec.revoked = true
		rec.generation++
		rec.mu.Unlock()
	}
	n := len(t.recs)
	t.recs = make(map[string]*record)
	return n
}
