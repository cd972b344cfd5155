// Package auth holds the API token helpers. Tokens may be configured as
// plain text or as a bcrypt hash; hashed values are detected by shape so
// operators can rotate from one to the other without a flag.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing
// Higher values are more secure but slower
const BcryptCost = 12

// HashToken generates a bcrypt hash from a plain text API token
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckTokenHash compares a plain text token with a bcrypt hash
func CheckTokenHash(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// IsTokenHashed checks if a token value is already bcrypt hashed
func IsTokenHashed(token string) bool {
	// bcrypt hashes start with $2a$, $2b$, or $2y$ and are exactly 60 chars
	if strings.HasPrefix(token, "$2") && len(token) == 60 {
		return true
	}
	// Also check for truncated hashes that might occur
	if strings.HasPrefix(token, "$2") && len(token) >= 55 && len(token) < 60 {
		log.Error().Int("length", len(token)).Msg("Detected truncated bcrypt hash in token value")
		return false
	}
	return false
}

// VerifyToken reports whether the provided token matches the configured one.
// Hashed configured values go through bcrypt, plain text values through a
// constant time compare.
func VerifyToken(provided, configured string) bool {
	if provided == "" || configured == "" {
		return false
	}
	if IsTokenHashed(configured) {
		return CheckTokenHash(provided, configured)
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}
