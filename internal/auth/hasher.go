package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher is the password primitive used by the orchestrator.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

// BcryptHasher implements Hasher with bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of plaintext.
func (h BcryptHasher) Hash(plaintext string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether plaintext matches hash.
func (h BcryptHasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
