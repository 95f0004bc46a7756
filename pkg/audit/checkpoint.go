package audit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Checkpoint seals the chain head at a point in time. An external verifier
// holding the signing key can confirm that a later export still extends
// this head, without trusting the kernel's runtime state.
type Checkpoint struct {
	Sequence uint64    `json:"sequence"`
	Head     string    `json:"head"`
	IssuedAt time.Time `json:"issued_at"`
}

type checkpointClaims struct {
	Sequence uint64 `json:"seq"`
	Head     string `json:"head"`
	jwt.RegisteredClaims
}

// SignCheckpoint mints a compact signed token over the current chain head.
func SignCheckpoint(c *Chain, key []byte, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("audit: empty checkpoint key")
	}
	claims := checkpointClaims{
		Sequence: uint64(c.Len()),
		Head:     c.Head(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "cmsr-kernel",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("audit: sign checkpoint: %w", err)
	}
	return signed, nil
}

// VerifyCheckpoint validates the signature and returns the sealed head.
func VerifyCheckpoint(token string, key []byte) (*Checkpoint, error) {
	var claims checkpointClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: verify checkpoint: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("audit: checkpoint token invalid")
	}
	cp := &Checkpoint{Sequence: claims.Sequence, Head: claims.Head}
	if claims.IssuedAt != nil {
		cp.IssuedAt = claims.IssuedAt.Time
	}
	return cp, nil
}
