package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretPrefix marks relay-issued agent secrets so they are easy to spot and redact.
const SecretPrefix = "sk_"

// dummyHash keeps credential checks for unknown agents on the same timing
// path as real ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// GenerateSecret returns a new agent secret: "sk_" followed by 64 hex chars.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// HashCredential hashes secret with bcrypt. A cost of 0 uses bcrypt.DefaultCost.
func HashCredential(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("security: hash credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential reports whether secret matches hash. An empty hash still
// performs a comparison against a dummy hash and returns false.
func VerifyCredential(hash, secret string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
