// Package crypto implements admin password hashing and verification.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	saltLen             = 16
)

const encodedPrefix = "argon2id"

// ErrMalformedHash is returned for stored hashes not produced by EncodePassword.
var ErrMalformedHash = errors.New("malformed password hash")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// EncodePassword hashes password with a fresh salt and returns "argon2id$<salt>$<hash>",
// both parts raw-URL base64. The result is what goes into admin.password_hash.
func EncodePassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	h := HashPassword([]byte(password), salt)
	enc := base64.RawURLEncoding
	return fmt.Sprintf("%s$%s$%s", encodedPrefix, enc.EncodeToString(salt), enc.EncodeToString(h)), nil
}

// VerifyEncoded checks password against an EncodePassword result.
func VerifyEncoded(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != encodedPrefix {
		return false, ErrMalformedHash
	}
	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := enc.DecodeString(parts[2])
	if err != nil || len(want) != int(argonKeyLen) {
		return false, ErrMalformedHash
	}
	return VerifyPassword([]byte(password), salt, want), nil
}
