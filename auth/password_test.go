package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func legacyHash(password, salt string, iterations int) string {
	sum := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return "pbkdf2_sha256$" + strconv.Itoa(iterations) + "$" + salt + "$" + base64.StdEncoding.EncodeToString(sum)
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if ok, rehash := VerifyPassword("correct horse", hash); !ok || rehash {
		t.Fatalf("bcrypt verify: ok=%v rehash=%v", ok, rehash)
	}
	if ok, _ := VerifyPassword("wrong horse", hash); ok {
		t.Fatal("wrong password verified")
	}
}

func TestVerifyLegacyPBKDF2(t *testing.T) {
	encoded := legacyHash("s3cret-pass", "c2FsdHNhbHQ=", 1000)
	ok, rehash := VerifyPassword("s3cret-pass", encoded)
	if !ok || !rehash {
		t.Fatalf("legacy verify: ok=%v rehash=%v", ok, rehash)
	}
	if ok, _ := VerifyPassword("nope", encoded); ok {
		t.Fatal("wrong password verified against legacy hash")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	for _, encoded := range []string{
		"",
		"pbkdf2_sha256$abc$salt$hash",
		"pbkdf2_sha256$1000$salt",
		"pbkdf2_sha256$1000$salt$***",
		"not-a-hash",
	} {
		if ok, _ := VerifyPassword("pw", encoded); ok {
			t.Errorf("VerifyPassword accepted %q", encoded)
		}
	}
}

func TestHashPasswordTooLong(t *testing.T) {
	if _, err := HashPassword(strings.Repeat("a", 73)); err == nil {
		t.Fatal("expected error for 73-byte password")
	}
}
