package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const maxPasswordLen = 72 // bcrypt truncates at 72 bytes

const legacyPrefix = "pbkdf2_sha256$"

var errPasswordTooLong = errors.New("password must not exceed 72 characters")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordLen {
		return "", errPasswordTooLong
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword checks password against a stored hash. Besides bcrypt it
// accepts "pbkdf2_sha256$<iterations>$<salt>$<base64 digest>" hashes from
// older deployments; for those needsRehash is true and the caller should
// store a fresh bcrypt hash.
func VerifyPassword(password, encoded string) (ok, needsRehash bool) {
	if encoded == "" || len(password) > maxPasswordLen {
		return false, false
	}
	if strings.HasPrefix(encoded, legacyPrefix) {
		return verifyPBKDF2(password, encoded), true
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)) == nil, false
}

func verifyPBKDF2(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), []byte(parts[2]), iterations, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
