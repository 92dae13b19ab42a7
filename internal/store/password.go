// internal/store/password.go
package store

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func normalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func hashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// checkSecret reports whether secret matches hash. A mismatch is not an error.
func checkSecret(hash []byte, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
