// Package auth provides credential hashing for the operator surface.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	adminKeyIterations = 600000
	adminKeySaltBytes  = 16
	adminKeyHashBytes  = 32
)

// ErrInvalidKey is returned when a presented admin key does not match the
// stored hash.
var ErrInvalidKey = errors.New("auth: invalid admin key")

// HashAdminKey derives a PBKDF2 hash of the provided key suitable for
// storage in configuration or the repository.
func HashAdminKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("auth: admin key must not be empty")
	}
	salt := make([]byte, adminKeySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, adminKeyIterations, adminKeyHashBytes, sha256.New)
	encoded := fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		adminKeyIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	)
	return encoded, nil
}

// VerifyAdminKey compares a presented key against a stored hash in constant
// time. It returns ErrInvalidKey on any mismatch or malformed hash.
func VerifyAdminKey(stored, presented string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return ErrInvalidKey
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return ErrInvalidKey
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return ErrInvalidKey
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidKey
	}
	derived := pbkdf2.Key([]byte(presented), salt, iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(derived, expected) != 1 {
		return ErrInvalidKey
	}
	return nil
}
