// Package pkce implements the RFC 7636 S256 proof key for code exchange.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/bobmcallan/cadence/internal/common"
)

const (
	MethodS256 = "S256"

	MinVerifierLength = 43
	MaxVerifierLength = 128
	// ChallengeLength is the base64url length of a SHA-256 digest without padding.
	ChallengeLength = 43
)

// DeriveChallenge returns BASE64URL-NOPAD(SHA256(verifier)).
func DeriveChallenge(verifier string) (string, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	return challengeOf(verifier), nil
}

// Verify recomputes the challenge for verifier and compares it to challenge
// in constant time. Malformed input never verifies.
func Verify(verifier, challenge string) bool {
	if ValidateVerifier(verifier) != nil || len(challenge) != ChallengeLength {
		return false
	}
	computed := challengeOf(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifier enforces the RFC 7636 length and unreserved character set.
func ValidateVerifier(verifier string) error {
	if n := len(verifier); n < MinVerifierLength || n > MaxVerifierLength {
		return common.Errorf(common.CodeInvalidRequest,
			"code_verifier must be %d-%d characters, got %d", MinVerifierLength, MaxVerifierLength, n)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return common.Errorf(common.CodeInvalidRequest, "code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

// ValidateChallenge checks that challenge looks like an S256 digest.
func ValidateChallenge(challenge, method string) error {
	if method != MethodS256 {
		return common.NewError(common.CodeInvalidRequest, "code_challenge_method must be S256")
	}
	if len(challenge) != ChallengeLength {
		return common.Errorf(common.CodeInvalidRequest, "code_challenge must be %d characters", ChallengeLength)
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return common.NewError(common.CodeInvalidRequest, "code_challenge is not base64url")
	}
	return nil
}

// GenerateVerifier returns a random 43-character verifier.
func GenerateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func challengeOf(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
