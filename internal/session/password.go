package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 120_000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16
)

// hashPassword returns a PBKDF2-crypt form string embedding cost and
// salt, per spec §4.1: "Stores a salted KDF hash of password". The
// format is self-describing so VerifyPassword never needs external
// configuration to check an existing hash: pbkdf2$<iter>$<salt>$<hash>.
func hashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hashWithSalt(password, salt, pbkdf2Iterations), nil
}

func hashWithSalt(password string, salt []byte, iterations int) string {
	key := pbkdf2.Key([]byte(password), salt, iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		iterations,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(key),
	)
}

// verifyPassword re-runs the KDF on the candidate password with the
// stored salt/cost and compares in constant time — per spec §4, a
// password hash is never compared by string equality alone.
func verifyPassword(password, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// GeneratePassword returns a random password suitable for
// generate_password (spec §4.1) — crypto/rand, never math/rand.
func GeneratePassword(length int) (string, error) {
	if length <= 0 {
		length = 20
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}
