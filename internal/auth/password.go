package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidHashFormat reports a stored hash bcrypt cannot parse at all, as
// opposed to a hash that simply does not match.
var ErrInvalidHashFormat = errors.New("password hash is structurally invalid")

// HashPassword hashes a plaintext password with the configured cost. A fresh
// salt is drawn on every call, so two hashes of the same password differ.
func HashPassword(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyPassword checks a plaintext password against its stored hash.
// A mismatch returns (false, nil); only a corrupt hash yields an error.
func VerifyPassword(plain, hashed string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, ErrInvalidHashFormat
	}
}
