// Package entropy provides the kernel's randomness service object.
//
// Capability tokens and object identifiers must be unguessable, so their
// randomness comes from one explicitly-constructed Source threaded through
// the engine rather than from package-level globals. The deterministic
// variant exists for reproducible tests only and must never back a
// production core.
package entropy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// Source produces cryptographic-quality random bytes.
type Source interface {
	// Read fills b with random bytes. Returns the count filled.
	Read(b []byte) (int, error)
}

// Crypto is the production source backed by crypto/rand.
type Crypto struct{}

func (Crypto) Read(b []byte) (int, error) { return rand.Read(b) }

// Deterministic derives an HMAC-SHA256 keystream from a seed. Output is
// stable for a given (seed, read sequence), which makes token values and
// object IDs reproducible in tests.
type Deterministic struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
	buf     []byte
}

// NewDeterministic creates a deterministic source. The seed must be
// non-empty.
func NewDeterministic(seed []byte) (*Deterministic, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("entropy: empty seed")
	}
	s := &Deterministic{seed: make([]byte, len(seed))}
	copy(s.seed, seed)
	return s, nil
}

func (d *Deterministic) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(b) {
		if len(d.buf) == 0 {
			d.buf = d.nextBlock()
		}
		c := copy(b[n:], d.buf)
		d.buf = d.buf[c:]
		n += c
	}
	return n, nil
}

func (d *Deterministic) nextBlock() []byte {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], d.counter)
	d.counter++

	mac := hmac.New(sha256.New, d.seed)
	mac.Write(ctr[:])
	return mac.Sum(nil)
}

// Bytes reads exactly n random bytes from src.
func Bytes(src Source, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := src.Read(b); err != nil {
		return nil, fmt.Errorf("entropy: read failed: %w", err)
	}
	return b, nil
}
