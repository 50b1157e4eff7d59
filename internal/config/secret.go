package config

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// MatchSecret reports whether presented matches stored. stored may be
// plaintext or a bcrypt hash; an empty stored secret matches nothing.
func MatchSecret(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	if looksLikeBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// HashSecret hashes secret with bcrypt for storage in the config file.
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
