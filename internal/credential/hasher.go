// Package credential keeps enrollment secrets out of the template store in
// clear text.
package credential

import "golang.org/x/crypto/bcrypt"

// Hasher turns a secret into a storable hash.
type Hasher interface {
	Hash(secret string) (string, error)
}

// BcryptHasher hashes secrets with bcrypt at the configured cost.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher using bcrypt.DefaultCost.
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: bcrypt.DefaultCost}
}

func (h *BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
