package audit

import (
	"fmt"
	"sync"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/canonicalize"
)

// Chain is the in-memory hash-chained log. Each entry's hash covers the
// previous entry's hash plus the event's canonical bytes, so altering any
// past event breaks every later link.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
}

// NewChain creates an empty chain. The genesis entry links to the empty
// hash.
func NewChain() *Chain {
	return &Chain{}
}

func entryHash(seq uint64, ev Event, prev string) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"sequence":      seq,
		"event":         ev,
		"previous_hash": prev,
	})
}

// Append commits an event and returns the sealed entry.
func (c *Chain) Append(ev Event) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := uint64(len(c.entries)) + 1
	h, err := entryHash(seq, ev, c.head)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: entry hash: %w", err)
	}
	e := Entry{Sequence: seq, Event: ev, PreviousHash: c.head, Hash: h}
	c.entries = append(c.entries, e)
	c.head = h
	return e, nil
}

// Head returns the hash of the latest entry, or "" for an empty chain.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Len returns the number of committed entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Range returns a copy of entries with sequence in [start, end]. Sequences
// are 1-based; end past the head is clamped.
func (c *Chain) Range(start, end uint64) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if start == 0 || start > end {
		return nil, fmt.Errorf("audit: invalid range [%d, %d]", start, end)
	}
	max := uint64(len(c.entries))
	if start > max {
		return nil, nil
	}
	if end > max {
		end = max
	}
	out := make([]Entry, end-start+1)
	copy(out, c.entries[start-1:end])
	return out, nil
}

// Verify walks the chain and recomputes every link. Returns the index of
// the first broken entry, or -1 when the chain is intact.
func (c *Chain) Verify() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyEntries(c.entries)
}

// VerifyEntries validates an arbitrary entry slice as a chain segment
// starting at the genesis. Callers holding an exported log use this without
// any access to kernel state.
func VerifyEntries(entries []Entry) (int, error) {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i, fmt.Errorf("audit: chain broken at sequence %d: previous hash mismatch", e.Sequence)
		}
		h, err := entryHash(e.Sequence, e.Event, e.PreviousHash)
		if err != nil {
			return i, fmt.Errorf("audit: rehash at sequence %d: %w", e.Sequence, err)
		}
		if h != e.Hash {
			return i, fmt.Errorf("audit: integrity failure at sequence %d", e.Sequence)
		}
		prev = e.Hash
	}
	return -1, nil
}
