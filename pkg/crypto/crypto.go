// Package crypto holds the credential helpers of the status server: the
// admin password hash and the JWT signing secret.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretBytes is the shortest signing secret NewSecret generates
const MinSecretBytes = 32

var (
	ErrEmptyPassword = errors.New("password is empty")
	ErrWeakHash      = errors.New("password hash cost too low")
)

// HashPassword hashes a password for admin.password_hash
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckPasswordHash rejects values that are not bcrypt hashes, such as a
// plain password pasted into the configuration
func CheckPasswordHash(hash string) error {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	if cost < bcrypt.DefaultCost {
		return fmt.Errorf("%w: %d", ErrWeakHash, cost)
	}
	return nil
}

// NewSecret returns a random URL-safe signing secret of at least
// MinSecretBytes random bytes
func NewSecret(n int) (string, error) {
	n = max(n, MinSecretBytes)
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
